package client

import (
	"fmt"
	"io"
	u "net/url"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

// FTPClient implements Transport over FTP. Resume works by seeking the read
// cursor with REST before the first chunk is delivered; a transfer is
// resumable iff that seek succeeds.
type FTPClient struct {
	cfg Config
}

func NewFTP(cfg Config) *FTPClient {
	return &FTPClient{cfg: cfg}
}

func (c *FTPClient) Probe(req Request) (*ResponseInfo, error) {
	conn, path, err := c.dial(req)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	info := &ResponseInfo{
		StatusCode:    200,
		Status:        "200 OK",
		ContentLength: -1,
		AcceptRanges:  true,
		FinalURL:      req.URL,
	}
	if size, err := conn.FileSize(path); err == nil && size >= 0 {
		info.ContentLength = size
	}
	if t, err := conn.GetTime(path); err == nil {
		info.LastModified = t.UTC().Format(time.RFC1123)
	}
	return info, nil
}

func (c *FTPClient) Fetch(req Request, sink Sink) (*ResponseInfo, error) {
	log := utils.GetLogger("ftp")
	conn, path, err := c.dial(req)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	offset := int64(0)
	if req.RangeStart > 0 {
		offset = req.RangeStart
	}
	resp, err := conn.RetrFrom(path, uint64(offset))
	if err != nil {
		return nil, Classify(fmt.Errorf("error seeking to offset %d: %v", offset, err))
	}
	defer resp.Close()

	info := &ResponseInfo{
		StatusCode:    200,
		Status:        "200 OK",
		ContentLength: -1,
		AcceptRanges:  true,
		FinalURL:      req.URL,
	}

	// RETR streams to the end of the file; a bounded segment stops once its
	// share of bytes has been delivered.
	remaining := int64(-1)
	if req.RangeEnd >= 0 {
		remaining = req.RangeEnd - offset + 1
	}
	buffer := make([]byte, FetchBufferSize)
	for remaining != 0 {
		limit := int64(len(buffer))
		if remaining > 0 && remaining < limit {
			limit = remaining
		}
		n, readErr := resp.Read(buffer[:limit])
		if n > 0 {
			if !sink(buffer[:n]) {
				return info, ErrCancelled
			}
			if remaining > 0 {
				remaining -= int64(n)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return info, Classify(readErr)
		}
	}
	log.Debug().Str("path", path).Int64("offset", offset).Msg("FTP transfer finished")
	return info, nil
}

// dial connects and logs in, returning the control connection and the remote
// path. Credentials come from the request or the URL userinfo, defaulting to
// anonymous.
func (c *FTPClient) dial(req Request) (*ftp.ServerConn, string, error) {
	parsed, err := u.Parse(req.URL)
	if err != nil {
		return nil, "", fmt.Errorf("error parsing FTP URL: %v", err)
	}
	host := parsed.Host
	if parsed.Port() == "" {
		host = host + ":21"
	}
	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := ftp.Dial(host, ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, "", Classify(err)
	}
	user, pass := req.Username, req.Password
	if user == "" && parsed.User != nil {
		user = parsed.User.Username()
		pass, _ = parsed.User.Password()
	}
	if user == "" {
		user, pass = "anonymous", "anonymous@"
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return nil, "", Classify(err)
	}
	return conn, parsed.Path, nil
}
