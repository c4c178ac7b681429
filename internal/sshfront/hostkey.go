package sshfront

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// loadOrCreateHostKey loads the gateway's stable SSH host key from path,
// generating an RSA key of the given size and persisting it there the
// first time the gateway boots (spec.md §4.6: "a stable host key,
// generated once at first boot, persisted").
func loadOrCreateHostKey(path string, bits int) (ssh.Signer, error) {
	if existing, err := readHostKey(path); err == nil {
		return existing, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read host key: %w", err)
	}

	pemBytes, err := generateHostKeyPEM(bits)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	if err := persistHostKey(path, pemBytes); err != nil {
		return nil, fmt.Errorf("persist host key: %w", err)
	}
	return ssh.ParsePrivateKey(pemBytes)
}

func readHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

func generateHostKeyPEM(bits int) ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return pem.EncodeToMemory(block), nil
}

func persistHostKey(path string, pemBytes []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, pemBytes, 0600)
}
