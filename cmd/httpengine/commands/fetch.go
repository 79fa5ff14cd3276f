package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/naviserver/httpengine/internal/config"
	"github.com/naviserver/httpengine/internal/errors"
	"github.com/naviserver/httpengine/internal/httpclient"
	"github.com/naviserver/httpengine/internal/urlutil"
)

// NewFetchCommand builds the HTTP/1.1 client command.
func NewFetchCommand() *cobra.Command {
	var (
		method      string
		headers     []string
		body        string
		bodyFile    string
		outputPath  string
		timeout     time.Duration
		keepalive   time.Duration
		decompress  bool
		binary      bool
		spoolLimit  int
		proxyHost   string
		proxyPort   int
		proxyTunnel bool
		unixSocket  string
		showHeaders bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Issue an HTTP/1.1 request through the task-queue client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return errors.ConfigError("Failed to load configuration", err)
			}
			if keepalive > 0 {
				cfg.Server.Keepalive = keepalive
			}

			client, err := httpclient.New(cfg)
			if err != nil {
				return errors.ConfigError("Failed to initialize HTTP client", err)
			}
			defer client.Close()

			req := &httpclient.Request{
				Method:           method,
				URL:              args[0],
				Timeout:          timeout,
				KeepaliveTimeout: cfg.Server.Keepalive,
				Decompress:       decompress,
				BinaryResponse:   binary,
				SpoolLimit:       spoolLimit,
				OutputPath:       outputPath,
				UnixSocketPath:   unixSocket,
				PartialResults:   true,
			}
			if len(headers) > 0 {
				req.Headers = urlutil.NewHeaders()
				for _, h := range headers {
					name, value, ok := strings.Cut(h, ":")
					if !ok {
						return errors.ConfigError(
							fmt.Sprintf("Invalid header %q, expected name:value", h), nil)
					}
					req.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
				}
			}
			if body != "" {
				req.BodyBytes = []byte(body)
			}
			if bodyFile != "" {
				f, err := os.Open(bodyFile)
				if err != nil {
					return errors.FileNotFoundError(bodyFile, err)
				}
				defer f.Close()
				req.BodyFile = f
			}
			if proxyHost != "" {
				req.Proxy = &httpclient.ProxySpec{
					Host: proxyHost, Port: proxyPort, Tunnel: proxyTunnel,
				}
			}

			start := time.Now()
			res, err := client.Run(req)
			if err != nil && res == nil {
				return err
			}
			printResult(cmd, res, time.Since(start), showHeaders)
			if err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", "GET", "request method")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header (name:value), repeatable")
	cmd.Flags().StringVarP(&body, "data", "d", "", "request body string")
	cmd.Flags().StringVar(&bodyFile, "data-file", "", "request body file")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write response body to file")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall request deadline")
	cmd.Flags().DurationVar(&keepalive, "keepalive", 0, "keep the connection for reuse")
	cmd.Flags().BoolVar(&decompress, "decompress", true, "decode gzip/deflate response bodies")
	cmd.Flags().BoolVar(&binary, "binary", false, "treat the response body as binary")
	cmd.Flags().IntVar(&spoolLimit, "spool-limit", 0, "spool responses above this size to a temp file")
	cmd.Flags().StringVar(&proxyHost, "proxy-host", "", "HTTP proxy host")
	cmd.Flags().IntVar(&proxyPort, "proxy-port", 3128, "HTTP proxy port")
	cmd.Flags().BoolVar(&proxyTunnel, "proxy-tunnel", false, "force CONNECT tunneling through the proxy")
	cmd.Flags().StringVar(&unixSocket, "unix-socket", "", "connect over a Unix-domain socket")
	cmd.Flags().BoolVarP(&showHeaders, "include", "i", false, "print response headers")
	return cmd
}

func printResult(cmd *cobra.Command, res *httpclient.Result, elapsed time.Duration, showHeaders bool) {
	if res == nil {
		return
	}
	out := cmd.OutOrStdout()
	c := colors

	statusColor := c.Green
	if res.Status >= 400 || res.Err != nil {
		statusColor = c.Red
	}
	fmt.Fprintf(out, "%s%d%s in %s", statusColor, res.Status, c.Reset, formatDuration(elapsed))
	if res.HTTPS != nil {
		fmt.Fprintf(out, " %s(%s, %s)%s", c.Dim, res.HTTPS.Version, res.HTTPS.CipherSuite, c.Reset)
	}
	fmt.Fprintln(out)

	if showHeaders && res.Headers != nil {
		res.Headers.Each(func(name, value string) {
			fmt.Fprintf(out, "%s%s%s: %s\n", c.Bold, name, c.Reset, value)
		})
		fmt.Fprintln(out)
	}

	switch {
	case res.Err != nil:
		fmt.Fprintf(out, "%serror:%s %v (state %s)\n", c.Red, c.Reset, res.Err, res.State)
	case res.File != "":
		fmt.Fprintf(out, "body spooled to %s\n", res.File)
	case res.OutputChan:
		fmt.Fprintln(out, "body written to output target")
	case res.BodyIsBinary:
		fmt.Fprintf(out, "%s of binary data\n", formatBytes(int64(len(res.Body))))
	default:
		fmt.Fprintf(out, "%s", res.Body)
		if len(res.Body) > 0 && res.Body[len(res.Body)-1] != '\n' {
			fmt.Fprintln(out)
		}
	}
}
