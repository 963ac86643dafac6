package broker

import "crypto/tls"

// loadTLSConfig builds a server-side TLS config from a certificate/key
// pair (spec §6 TLSCertFile/TLSKeyFile), used by the TCPS and WSS
// listeners.
func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
