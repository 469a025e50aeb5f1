package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zakaria95Ahmed/idm-clone/internal/assembler"
	"github.com/Zakaria95Ahmed/idm-clone/internal/config"
	"github.com/Zakaria95Ahmed/idm-clone/internal/engine"
	"github.com/Zakaria95Ahmed/idm-clone/internal/limiter"
	"github.com/Zakaria95Ahmed/idm-clone/internal/output"
	"github.com/Zakaria95Ahmed/idm-clone/internal/store"
	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

var (
	configPath  string
	outputDir   string
	fileName    string
	connections int
	speedLimit  int64
	connectTO   time.Duration
	receiveTO   time.Duration
	userAgent   string
	proxyURL    string
	referrer    string
	cookies     string
	headers     []string
	username    string
	password    string
	checksum    string
	checksumAlg string
	insecureTLS bool
	overwrite   bool
	resumeAll   bool
	debug       bool
)

var Version = "dev"

const (
	exitOK        = 0
	exitFailure   = 1
	exitMalformed = 2
)

var rootCmd = &cobra.Command{
	Use:     "idm-clone [url]",
	Short:   "idm-clone is an accelerated download manager",
	Version: Version,
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if !debug {
			// Keep structured logs away from the progress line.
			utils.SilenceLogger()
		}
		if len(args) == 0 && !resumeAll {
			output.PrintError("No URL provided")
			os.Exit(exitMalformed)
		}

		settings, err := config.Load(configPath)
		if err != nil {
			output.PrintError(fmt.Sprintf("Invalid configuration: %v", err))
			os.Exit(exitFailure)
		}
		applyFlags(&settings)

		if len(args) > 0 {
			parsed, err := u.Parse(args[0])
			if err != nil {
				output.PrintError("Invalid URL format")
				os.Exit(exitMalformed)
			}
			switch parsed.Scheme {
			case "http", "https", "ftp":
			default:
				output.PrintError(fmt.Sprintf("Unsupported URL scheme %q", parsed.Scheme))
				os.Exit(exitMalformed)
			}
		}

		lim := limiter.New()
		if settings.SpeedLimit > 0 {
			lim.SetLimit(settings.SpeedLimit)
		}
		policy := assembler.AutoRename
		if overwrite {
			policy = assembler.Overwrite
		}
		eng, err := engine.New(engine.Options{
			DataDir:        settings.DataDir,
			DownloadDir:    settings.DownloadDir,
			Connections:    settings.Connections,
			MinSegmentSize: settings.MinSegmentSize,
			MaxRetries:     settings.MaxRetries,
			UserAgent:      settings.UserAgent,
			ProxyURL:       settings.ProxyURL,
			ConnectTimeout: time.Duration(settings.ConnectTimeout),
			ReceiveTimeout: time.Duration(settings.ReceiveTimeout),
			VerifyTLS:      *settings.VerifyTLS,
			ConflictPolicy: policy,
		}, lim)
		if err != nil {
			output.PrintError(fmt.Sprintf("Engine startup failed: %v", err))
			os.Exit(exitFailure)
		}
		defer eng.Shutdown()

		console := output.NewConsole()
		eng.AddObserver(console)

		var ids []string
		if resumeAll {
			for _, entry := range eng.List() {
				if entry.Status == store.StatusPaused {
					ids = append(ids, entry.ID)
				}
			}
			eng.ResumeAll()
		}
		if len(args) > 0 {
			id, err := eng.Add(args[0], engine.AddOptions{
				Dir:         outputDir,
				Filename:    fileName,
				Connections: connections,
				Referrer:    referrer,
				Cookies:     cookies,
				Headers:     utils.ParseHeaderArgs(headers),
				Username:    username,
				Password:    password,
				Checksum:    checksum,
				ChecksumAlg: checksumAlg,
				Start:       true,
			})
			if err != nil {
				output.PrintError(fmt.Sprintf("Could not add download: %v", err))
				os.Exit(exitFailure)
			}
			ids = append(ids, id)
		}

		failed := false
		for _, id := range ids {
			if entry, ok := eng.Get(id); ok {
				console.Track(id, entry.Filename)
			}
			eng.WaitFor(id)
			entry, ok := eng.Get(id)
			if !ok {
				continue
			}
			switch entry.Status {
			case store.StatusComplete:
				output.PrintSuccess(fmt.Sprintf("%s (%s)", entry.Filename, utils.FormatBytes(uint64(entry.Downloaded))))
			case store.StatusPaused:
				output.PrintInfo(fmt.Sprintf("%s paused at %s", entry.Filename, utils.FormatBytes(uint64(entry.Downloaded))))
			default:
				output.PrintError(fmt.Sprintf("%s: %s", entry.Filename, entry.ErrorMessage))
				failed = true
			}
		}
		if failed {
			os.Exit(exitFailure)
		}
	},
}

func applyFlags(settings *config.Settings) {
	if outputDir != "" {
		settings.DownloadDir = outputDir
	}
	if connections > 0 {
		settings.Connections = connections
	}
	if speedLimit > 0 {
		settings.SpeedLimit = speedLimit
	}
	if connectTO > 0 {
		settings.ConnectTimeout = config.Duration(connectTO)
	}
	if receiveTO > 0 {
		settings.ReceiveTimeout = config.Duration(receiveTO)
	}
	if userAgent != "" {
		if userAgent == "randomize" {
			userAgent = utils.GetRandomUserAgent()
		}
		settings.UserAgent = userAgent
	}
	if proxyURL != "" {
		settings.ProxyURL = proxyURL
	}
	if insecureTLS {
		verify := false
		settings.VerifyTLS = &verify
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML settings file")
	rootCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory to save the download in")
	rootCmd.Flags().StringVarP(&fileName, "filename", "f", "", "Target filename (inferred if not provided)")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 0, "Number of connections per download")
	rootCmd.Flags().Int64VarP(&speedLimit, "rate-limit", "r", 0, "Global speed limit in bytes/sec (0 = unlimited)")
	rootCmd.Flags().DurationVarP(&connectTO, "connect-timeout", "t", 0, "Connection timeout (eg. 5s, 1m)")
	rootCmd.Flags().DurationVar(&receiveTO, "receive-timeout", 0, "Receive timeout for response headers")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", "", "User agent ('randomize' picks a browser UA)")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL")
	rootCmd.Flags().StringVar(&referrer, "referrer", "", "Referer header for the request")
	rootCmd.Flags().StringVar(&cookies, "cookies", "", "Cookie header for the request")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers; can be specified multiple times")
	rootCmd.Flags().StringVar(&username, "username", "", "Basic auth username")
	rootCmd.Flags().StringVar(&password, "password", "", "Basic auth password")
	rootCmd.Flags().StringVar(&checksum, "checksum", "", "Expected digest of the finished file")
	rootCmd.Flags().StringVar(&checksumAlg, "checksum-alg", "", "Digest algorithm (md5, sha1, sha256)")
	rootCmd.Flags().BoolVarP(&insecureTLS, "insecure", "k", false, "Skip TLS certificate verification")
	rootCmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite an existing target file instead of renaming")
	rootCmd.Flags().BoolVar(&resumeAll, "resume-all", false, "Resume all paused downloads")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
