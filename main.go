package main

import "github.com/Zakaria95Ahmed/idm-clone/cmd"

func main() {
	cmd.Execute()
}
