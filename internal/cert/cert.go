// Package cert provisions the server's TLS identity: a PKCS#12 bundle loaded
// from disk when present, otherwise a freshly generated self-signed
// certificate persisted for the next run.
package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const (
	rsaKeyBits    = 2048
	validYears    = 5
	bundleFileMod = 0o600
)

// Options controls certificate generation.
type Options struct {
	// Hostname becomes the subject CN and a DNS SAN.
	Hostname string
	// PublicIP, when set, is added both as a DNS SAN and an IP SAN, matching
	// clients that dial by address string.
	PublicIP string
	// Password protects the PKCS#12 bundle. May be empty.
	Password string
}

// LoadOrCreate returns the server certificate from the PKCS#12 bundle at
// path, generating and persisting a new self-signed one when the file does
// not exist.
func LoadOrCreate(path string, opts Options) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		cert, err := decodeBundle(data, opts.Password)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("loading certificate %s: %w", path, err)
		}
		slog.Info("loaded server certificate", "path", path, "subject", cert.Leaf.Subject.CommonName)
		return cert, nil
	case os.IsNotExist(err):
		cert, bundle, err := generate(opts)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("generating certificate: %w", err)
		}
		if err := os.WriteFile(path, bundle, bundleFileMod); err != nil {
			return tls.Certificate{}, fmt.Errorf("persisting certificate %s: %w", path, err)
		}
		slog.Info("generated self-signed server certificate", "path", path, "cn", opts.Hostname)
		return cert, nil
	default:
		return tls.Certificate{}, fmt.Errorf("reading certificate %s: %w", path, err)
	}
}

func decodeBundle(data []byte, password string) (tls.Certificate, error) {
	key, leaf, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decoding PKCS#12 bundle: %w", err)
	}

	chain := [][]byte{leaf.Raw}
	for _, ca := range caCerts {
		chain = append(chain, ca.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func generate(opts Options) (tls.Certificate, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("generating RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("generating serial: %w", err)
	}

	cn := opts.Hostname
	if cn == "" {
		cn = "localhost"
	}

	dnsNames, ipAddrs := subjectAltNames(cn, opts.PublicIP)

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(validYears, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddrs,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("creating certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("parsing certificate: %w", err)
	}

	bundle, err := pkcs12.Modern.Encode(key, leaf, nil, opts.Password)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("encoding PKCS#12 bundle: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, bundle, nil
}

// subjectAltNames builds the SAN set: hostname, localhost, a wildcard
// subdomain, the machine name, the public IP (as both DNS and IP), loopback
// and any-address for IPv4/IPv6, and every interface IPv4.
func subjectAltNames(hostname, publicIP string) ([]string, []net.IP) {
	dnsSet := map[string]bool{}
	var dnsNames []string
	addDNS := func(name string) {
		if name != "" && !dnsSet[name] {
			dnsSet[name] = true
			dnsNames = append(dnsNames, name)
		}
	}

	addDNS(hostname)
	addDNS("localhost")
	addDNS("*." + hostname)
	if machine, err := os.Hostname(); err == nil {
		addDNS(machine)
	}
	addDNS(publicIP)

	ipSet := map[string]bool{}
	var ipAddrs []net.IP
	addIP := func(ip net.IP) {
		if ip != nil && !ipSet[ip.String()] {
			ipSet[ip.String()] = true
			ipAddrs = append(ipAddrs, ip)
		}
	}

	addIP(net.ParseIP(publicIP))
	addIP(net.IPv4(127, 0, 0, 1))
	addIP(net.IPv6loopback)
	addIP(net.IPv4zero)
	addIP(net.IPv6zero)

	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, addr := range addrs {
				if ipNet, ok := addr.(*net.IPNet); ok {
					if v4 := ipNet.IP.To4(); v4 != nil {
						addIP(v4)
					}
				}
			}
		}
	}

	return dnsNames, ipAddrs
}
