package tls

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadRootCAs returns the system pool extended with the PEM certificates in
// file and in the *.pem and *.crt files of dir. It returns nil when both are
// empty.
func LoadRootCAs(file, dir string) (*x509.CertPool, error) {
	if file == "" && dir == "" {
		return nil, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	if file != "" {
		if err := appendPEMFile(pool, file); err != nil {
			return nil, err
		}
	}
	if dir == "" {
		return pool, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("root CA dir: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".pem" && ext != ".crt" {
			continue
		}
		if err := appendPEMFile(pool, filepath.Join(dir, e.Name())); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

func appendPEMFile(pool *x509.CertPool, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("root CA %s: %w", path, err)
	}
	if !pool.AppendCertsFromPEM(data) {
		return fmt.Errorf("root CA %s: no PEM certificates found", path)
	}
	return nil
}
