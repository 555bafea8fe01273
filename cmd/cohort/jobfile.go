package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/raskyld/cohort/pkg/fabric"
	"gopkg.in/yaml.v3"
)

type listen struct {
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
}

type tlsFiles struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

// jobFile describes one process of a networked job.
type jobFile struct {
	Rank        int           `yaml:"rank"`
	Size        int           `yaml:"size"`
	Master      int           `yaml:"master"`
	Total       int64         `yaml:"total"`
	Name        string        `yaml:"name"`
	Gossip      listen        `yaml:"gossip"`
	Data        listen        `yaml:"data"`
	Advertise   string        `yaml:"advertise"`
	Neighbours  []string      `yaml:"neighbours"`
	JoinTimeout time.Duration `yaml:"joinTimeout"`
	TLS         tlsFiles      `yaml:"tls"`
}

func loadJobFile(path string) (*jobFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseJobFile(raw)
}

func parseJobFile(raw []byte) (*jobFile, error) {
	jf := &jobFile{
		Gossip:      listen{Addr: "0.0.0.0", Port: 7946},
		Data:        listen{Addr: "0.0.0.0", Port: 6174},
		JoinTimeout: time.Minute,
	}
	if err := yaml.Unmarshal(raw, jf); err != nil {
		return nil, fmt.Errorf("malformed job file: %w", err)
	}

	if jf.Size <= 0 {
		return nil, fmt.Errorf("job size must be positive, got %d", jf.Size)
	}
	if jf.Rank < 0 || jf.Rank >= jf.Size {
		return nil, fmt.Errorf("rank %d is not part of a job of size %d", jf.Rank, jf.Size)
	}
	if jf.Master < 0 || jf.Master >= jf.Size {
		return nil, fmt.Errorf("master %d is not part of a job of size %d", jf.Master, jf.Size)
	}
	return jf, nil
}

func (jf *jobFile) options(handler slog.Handler) ([]fabric.Option, error) {
	tlsConf, err := jf.TLS.load()
	if err != nil {
		return nil, err
	}

	opts := []fabric.Option{
		fabric.WithRank(jf.Rank, jf.Size),
		fabric.WithGossipListen(jf.Gossip.Addr, jf.Gossip.Port),
		fabric.WithDataListen(jf.Data.Addr, jf.Data.Port),
		fabric.WithNeighbours(jf.Neighbours),
		fabric.WithTlsConfig(tlsConf),
		fabric.WithLog(handler),
	}
	if jf.Name != "" {
		opts = append(opts, fabric.WithNodeName(jf.Name))
	}
	if jf.Advertise != "" {
		opts = append(opts, fabric.WithAdvertiseAddr(jf.Advertise))
	}
	return opts, nil
}

// mTLS is really important, so your nodes can authenticate to each other
// and encrypt traffic.
func (files tlsFiles) load() (*tls.Config, error) {
	if files.CA == "" || files.Cert == "" || files.Key == "" {
		return nil, errors.New("all tls files must be provided")
	}

	keypair, err := tls.LoadX509KeyPair(files.Cert, files.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load node cert: %w", err)
	}

	caBytes, err := os.ReadFile(files.CA)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	if !caBundle.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("no certificate found in %s", files.CA)
	}

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}
