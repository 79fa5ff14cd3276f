package commands

import (
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/naviserver/httpengine/internal/config"
	"github.com/naviserver/httpengine/internal/errors"
	"github.com/naviserver/httpengine/internal/h3"
	"github.com/naviserver/httpengine/internal/logging"
	"github.com/naviserver/httpengine/internal/network"
	"github.com/naviserver/httpengine/internal/upcall"
)

// NewServe3Command builds the HTTP/3 server command: the QUIC driver
// fronting a static file tree.
func NewServe3Command() *cobra.Command {
	var (
		listenAddr  string
		iface       string
		certFile    string
		keyFile     string
		rootDir     string
		rateMbps    float64
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve3",
		Short: "Serve a directory over HTTP/3 (QUIC)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return errors.ConfigError("Failed to load configuration", err)
			}

			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				return errors.NewUserError(
					"Cannot load TLS certificate",
					[]string{
						"Pass --cert and --key pointing at a PEM certificate/key pair",
						"Generate one with: openssl req -x509 -newkey ec -pkeyopt ec_paramgen_curve:prime256v1 -keyout key.pem -out cert.pem -days 365 -nodes",
					}, err)
			}

			absRoot, err := filepath.Abs(rootDir)
			if err != nil {
				return errors.ConfigError("Invalid root directory", err)
			}

			if iface != "" {
				ip, err := network.BindIP(iface)
				if err != nil {
					return errors.ConfigError(
						fmt.Sprintf("No usable address on interface %s", iface), err)
				}
				_, port, err := net.SplitHostPort(listenAddr)
				if err != nil {
					return errors.ConfigError("Invalid listen address", err)
				}
				listenAddr = net.JoinHostPort(ip.String(), port)
			}

			srv, err := h3.NewServer(listenAddr,
				&tls.Config{Certificates: []tls.Certificate{cert}},
				cfg.H3,
				&fileDispatcher{root: absRoot},
				h3.NewPacer(rateMbps))
			if err != nil {
				return errors.ConnectionError(listenAddr, err)
			}

			if metricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logging.Error("metrics endpoint failed", zap.Error(err))
					}
				}()
			}

			c := colors
			fmt.Fprintf(cmd.OutOrStdout(), "%sServing%s %s %svia HTTP/3 on%s udp/%s\n",
				c.Green, c.Reset, absRoot, c.Dim, c.Reset, srv.Addr())

			go srv.Serve()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			fmt.Fprintln(cmd.OutOrStdout(), "shutting down")
			return srv.Close()
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "0.0.0.0:4433", "UDP listen address")
	cmd.Flags().StringVarP(&iface, "interface", "i", "", "bind to this interface's LAN address")
	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate (PEM)")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS private key (PEM)")
	cmd.Flags().StringVarP(&rootDir, "root", "r", ".", "directory to serve")
	cmd.Flags().Float64Var(&rateMbps, "rate-limit", 0, "transmit cap in Mbps (0 = unlimited)")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Prometheus metrics listen address (e.g. :9090)")
	cmd.MarkFlagRequired("cert")
	cmd.MarkFlagRequired("key")
	return cmd
}

// fileDispatcher is the application side of the upcall contract: it
// maps request targets onto a file tree and produces the response
// through the Sock send/close interface.
type fileDispatcher struct {
	root string
}

func (d *fileDispatcher) Dispatch(sock *upcall.Sock) error {
	defer sock.Close()
	defer sock.ReleaseSpool()

	if m := sock.Req.Line.Method; m != "GET" && m != "HEAD" {
		sock.SetStatus(405)
		sock.Header().Add("Allow", "GET, HEAD")
		_, err := sock.Send(nil, upcall.SendEOF)
		return err
	}

	target := sock.Req.Line.Target
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	clean := path.Clean("/" + target)
	file := filepath.Join(d.root, filepath.FromSlash(clean))

	st, err := os.Stat(file)
	if err == nil && st.IsDir() {
		file = filepath.Join(file, "index.html")
		st, err = os.Stat(file)
	}
	if err != nil {
		sock.SetStatus(404)
		sock.Header().Add("Content-Type", "text/plain")
		_, serr := sock.Send([][]byte{[]byte("not found\n")}, upcall.SendEOF)
		return serr
	}

	sock.SetStatus(200)
	if ct := mime.TypeByExtension(filepath.Ext(file)); ct != "" {
		sock.Header().Add("Content-Type", ct)
	}
	sock.Header().Add("Content-Length", strconv.FormatInt(st.Size(), 10))

	if sock.Req.Line.Method == "HEAD" {
		_, err := sock.Send(nil, upcall.SendEOF)
		return err
	}

	f, err := os.Open(file)
	if err != nil {
		sock.SetStatus(500)
		_, serr := sock.Send(nil, upcall.SendEOF)
		return serr
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := sock.Send([][]byte{buf[:n]}, 0); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			break
		}
	}
	_, err = sock.Send(nil, upcall.SendEOF)
	return err
}
