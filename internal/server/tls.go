package server

import (
	"crypto/tls"
	"net"
	"strconv"

	certloader "github.com/AgustinSRG/go-tls-certificate-loader"
)

// defaultCertReloadSeconds mirrors the teacher's own hand-rolled reload
// interval; the real loader takes the same parameter.
const defaultCertReloadSeconds = 60

// listenTLS opens the RTMPS listener backed by a certificate loader that
// watches the configured cert/key files and rotates them without a
// restart. The loader's own background goroutine is started by RunReloadThread,
// mirroring the hot-reload shape the teacher's hand-rolled loader used before
// this module adopted the real dependency.
func (srv *Server) listenTLS() (net.Listener, error) {
	loader, err := certloader.NewSslCertificateLoader(srv.cfg.SSLCert, srv.cfg.SSLKey, defaultCertReloadSeconds)
	if err != nil {
		return nil, err
	}
	go loader.RunReloadThread()

	tlsConfig := &tls.Config{
		GetCertificate: loader.GetCertificateFunc(),
	}

	addr := net.JoinHostPort(srv.cfg.BindAddress, strconv.Itoa(srv.cfg.SSLPort))
	return tls.Listen("tcp", addr, tlsConfig)
}
