package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-vault-worker/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

var cipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// CertManager terminates TLS for the interception endpoint, either from a
// static key pair or from ACME certificates kept in a directory cache.
type CertManager struct {
	ctx          context.Context
	cancel       context.CancelFunc
	logger       types.Logger
	config       *types.TLSConfig
	autocertMgr  *autocert.Manager
	static       *tls.Certificate
	certificates map[string]*tls.Certificate
	mu           sync.RWMutex
	state        atomic.Value
}

func NewCertManager(ctx context.Context, logger types.Logger, config *types.TLSConfig) (*CertManager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	managerCtx, cancel := context.WithCancel(ctx)

	cm := &CertManager{
		ctx:          managerCtx,
		cancel:       cancel,
		logger:       logger,
		config:       config,
		certificates: make(map[string]*tls.Certificate),
	}
	cm.state.Store(StateStopped)

	var err error
	if config.AutoCert {
		err = cm.initializeAutocert()
	} else {
		err = cm.loadKeyPair()
	}
	if err != nil {
		cancel()
		return nil, err
	}

	return cm, nil
}

func (cm *CertManager) Start() error {
	if !cm.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	if cm.autocertMgr != nil {
		go cm.preloadCertificates()
	}

	cm.logger.Info("TLS certificate manager started",
		zap.Bool("auto_cert", cm.config.AutoCert),
		zap.Strings("domains", cm.config.Domains))
	return nil
}

func (cm *CertManager) Stop() error {
	if !cm.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}

	cm.cancel()
	cm.logger.Info("TLS certificate manager stopped")
	return nil
}

func (cm *CertManager) IsRunning() bool {
	return cm.state.Load().(State) == StateRunning
}

func (cm *CertManager) Listen(addr string) (net.Listener, error) {
	if !cm.IsRunning() {
		return nil, types.ErrServerNotRunning
	}

	ln, err := tls.Listen("tcp", addr, cm.GetTLSConfig())
	if err != nil {
		return nil, types.Errorf(types.ErrServerStartFailed, "tls listen %s: %v", addr, err)
	}
	return ln, nil
}

func (cm *CertManager) GetTLSConfig() *tls.Config {
	config := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: cipherSuites,
		NextProtos:   []string{"http/1.1"},
	}

	if cm.autocertMgr != nil {
		config.GetCertificate = cm.getCertificate
		config.NextProtos = append(config.NextProtos, acme.ALPNProto)
		return config
	}

	config.Certificates = []tls.Certificate{*cm.static}
	return config
}

func (cm *CertManager) GetCertificateStatus() map[string]types.CertificateStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := make(map[string]types.CertificateStatus, len(cm.certificates))
	for domain, cert := range cm.certificates {
		status[domain] = describe(domain, cert, time.Now())
	}
	return status
}

func (cm *CertManager) loadKeyPair() error {
	if cm.config.CertFile == "" || cm.config.KeyFile == "" {
		return types.Errorf(types.ErrConfigInvalidPath, "tls enabled but cert_file or key_file not specified")
	}

	cert, err := tls.LoadX509KeyPair(cm.config.CertFile, cm.config.KeyFile)
	if err != nil {
		return types.Errorf(types.ErrConfigLoadFailed, "load key pair: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return types.WrapError(err, "failed to parse certificate")
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return types.Errorf(types.ErrConfigValidateFailed, "certificate valid from %s to %s",
			leaf.NotBefore.Format(time.RFC3339), leaf.NotAfter.Format(time.RFC3339))
	}
	cert.Leaf = leaf

	cm.static = &cert
	cm.certificates[leaf.Subject.CommonName] = &cert
	return nil
}

func (cm *CertManager) initializeAutocert() error {
	if len(cm.config.Domains) == 0 {
		return types.Errorf(types.ErrConfigValidateFailed, "no domains specified for auto_cert")
	}

	cacheDir := cm.config.CacheDir
	if cacheDir == "" {
		cacheDir = "./certs"
	}
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return types.WrapError(err, "failed to create certificate cache directory")
	}

	cm.autocertMgr = &autocert.Manager{
		Cache:      autocert.DirCache(cacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cm.config.Domains...),
		Email:      cm.config.Email,
	}

	if cm.config.ACMEDirectory != "" {
		cm.autocertMgr.Client = &acme.Client{DirectoryURL: cm.config.ACMEDirectory}
	}

	return nil
}

func (cm *CertManager) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, err := cm.autocertMgr.GetCertificate(hello)
	if err != nil {
		cm.logger.Error("Failed to get certificate",
			zap.String("server_name", hello.ServerName),
			zap.Error(err))
		return nil, err
	}

	if hello.ServerName != "" {
		cm.mu.Lock()
		cm.certificates[hello.ServerName] = cert
		cm.mu.Unlock()
	}

	return cert, nil
}

func (cm *CertManager) preloadCertificates() {
	ctx, cancel := context.WithTimeout(cm.ctx, time.Minute)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	for _, domain := range cm.config.Domains {
		g.Go(func() error {
			if gCtx.Err() != nil {
				return nil
			}
			if _, err := cm.getCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				cm.logger.Warn("Failed to preload certificate", zap.String("domain", domain), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func describe(domain string, cert *tls.Certificate, now time.Time) types.CertificateStatus {
	if len(cert.Certificate) == 0 {
		return types.CertificateStatus{Domain: domain, Status: "error", Error: "no certificate data"}
	}

	leaf := cert.Leaf
	if leaf == nil {
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return types.CertificateStatus{Domain: domain, Status: "error", Error: err.Error()}
		}
		leaf = parsed
	}

	days := int(leaf.NotAfter.Sub(now).Hours() / 24)
	status := "valid"
	switch {
	case days <= 0:
		status = "expired"
	case days <= 30:
		status = "expiring_soon"
	}

	return types.CertificateStatus{
		Domain:          domain,
		Status:          status,
		Issuer:          leaf.Issuer.String(),
		Subject:         leaf.Subject.String(),
		NotBefore:       leaf.NotBefore,
		NotAfter:        leaf.NotAfter,
		DaysUntilExpiry: days,
	}
}

var _ types.TLSManager = (*CertManager)(nil)
