// Package certstore turns PEM certificate, private key and root CA files
// into an immutable credential bundle for mutual TLS.
//
// Loading fails closed. Any missing, empty or malformed input yields a
// *CertError and no bundle, so a connection is never attempted with
// placeholder credentials.
//
// Usage:
//
//	bundle, err := certstore.Load(certstore.Paths{
//	    CertFile:   "/etc/ams/cc9.cert.pem",
//	    KeyFile:    "/etc/ams/cc9.private.key",
//	    RootCAFile: "/etc/ams/root-CA.crt",
//	})
//	if err != nil {
//	    return err // fatal configuration error
//	}
//	tlsCfg := bundle.TLSConfig("broker.example.com")
package certstore
