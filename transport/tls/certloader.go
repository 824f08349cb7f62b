// Package tls loads and periodically reloads the X.509 cert/key pair
// optionally used to secure the admin HTTP surface and the inter-instance
// RPC mailbox. This is wire-level transport security, not request
// authentication/authorization, which stays out of scope.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/nvidia/kvfleet/internal/debug"
	"github.com/nvidia/kvfleet/internal/nlog"
)

const name = "tls-cert-loader"
const dfltTimeInvalid = time.Hour

type xcert struct {
	tls.Certificate
	modTime   time.Time
	notBefore time.Time
	notAfter  time.Time
	size      int64
}

type errExpired struct{ msg string }

func (e *errExpired) Error() string { return e.msg }

// Loader reloads a cert/key pair off disk on a timer sized to how soon
// it expires, and serves it through the standard tls.Config callbacks.
type Loader struct {
	certFile string
	keyFile  string
	xcert    atomic.Pointer[xcert]
	expired  atomic.Bool
	invalid  atomic.Bool

	stop chan struct{}
}

// New loads certFile/keyFile once and starts a background reload loop.
// Returns nil, nil if both paths are empty (TLS not configured).
func New(certFile, keyFile string) (*Loader, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	l := &Loader{certFile: certFile, keyFile: keyFile, stop: make(chan struct{})}
	if err := l.load(false); err != nil {
		nlog.Errorln("FATAL:", err)
		return nil, err
	}
	go l.run()
	return l, nil
}

func (l *Loader) Close() { close(l.stop) }

func (l *Loader) run() {
	for {
		d := l.nextInterval()
		select {
		case <-time.After(d):
			if err := l.load(true); err != nil {
				nlog.Errorln(err)
			}
		case <-l.stop:
			return
		}
	}
}

func (l *Loader) nextInterval() time.Duration {
	if l.expired.Load() || l.invalid.Load() {
		return dfltTimeInvalid
	}
	rem := time.Until(l.xcert.Load().notAfter)
	switch {
	case rem > 24*time.Hour:
		return 6 * time.Hour
	case rem > 6*time.Hour:
		return time.Hour
	case rem > time.Hour:
		return 10 * time.Minute
	case rem > 10*time.Minute:
		nlog.Warningln(l.certFile, "X.509 will soon expire - remains:", rem)
		return time.Minute
	case rem > 0:
		nlog.Errorln(l.certFile, "X.509 will soon expire - remains:", rem)
		return time.Minute
	default:
		l.expired.Store(true)
		return dfltTimeInvalid
	}
}

func (l *Loader) errorf() error {
	switch {
	case l.invalid.Load():
		return fmt.Errorf("%s: (%s, %s) is invalid", name, l.certFile, l.keyFile)
	case l.expired.Load():
		x := l.xcert.Load()
		return &errExpired{fmt.Sprintf("%s: %s expired (valid until %v)", name, l.certFile, x.notAfter)}
	default:
		return nil
	}
}

func (l *Loader) get() *tls.Certificate { return &l.xcert.Load().Certificate }

func (l *Loader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	if err := l.errorf(); err != nil {
		return nil, err
	}
	return l.get(), nil
}

func (l *Loader) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	if err := l.errorf(); err != nil {
		return nil, err
	}
	return l.get(), nil
}

func (l *Loader) load(compare bool) error {
	finfo, err := os.Stat(l.certFile)
	if err != nil {
		return fmt.Errorf("%s: failed to fstat %q: %w", name, l.certFile, err)
	}
	if compare {
		prev := l.xcert.Load()
		debug.Assert(prev != nil, "expecting X.509 loaded at startup: ", l.certFile)
		if finfo.ModTime() == prev.modTime && finfo.Size() == prev.size {
			return nil
		}
	}

	x := &xcert{}
	x.Certificate, err = tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return fmt.Errorf("%s: failed to load (%s, %s): %w", name, l.certFile, l.keyFile, err)
	}
	if x.Certificate.Leaf == nil {
		x.Certificate.Leaf, err = x509.ParseCertificate(x.Certificate.Certificate[0])
		if err != nil {
			return fmt.Errorf("%s: failed to parse %q: %w", name, l.certFile, err)
		}
	}
	x.modTime, x.size = finfo.ModTime(), finfo.Size()
	x.notBefore, x.notAfter = x.Certificate.Leaf.NotBefore, x.Certificate.Leaf.NotAfter

	now := time.Now()
	if now.After(x.notAfter) {
		l.expired.Store(true)
		return &errExpired{fmt.Sprintf("%s: %s expired (valid until %v)", name, l.certFile, x.notAfter)}
	}
	if now.Before(x.notBefore) {
		nlog.Warningln(l.certFile, "is not valid yet:", x.notBefore, x.notAfter)
	}

	l.expired.Store(false)
	l.invalid.Store(false)
	l.xcert.Store(x)
	nlog.Infoln(name, l.certFile, x.notBefore, x.notAfter)
	return nil
}
