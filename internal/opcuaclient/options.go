package opcuaclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"
)

// buildOptions assembles the gopcua client options: endpoint selection by
// the configured security policy/mode (None by default), the application
// certificate managed by opcuapki, and username/password auth when both
// OPCUA_USERNAME and OPCUA_PASSWORD are set, otherwise anonymous.
func (c *Client) buildOptions(ctx context.Context) ([]opcua.Option, error) {
	cert, key, err := c.pki.EnsureApplicationCertificate()
	if err != nil {
		return nil, fmt.Errorf("opcuaclient: ensure application certificate: %w", err)
	}

	endpoints, err := opcua.GetEndpoints(ctx, c.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("opcuaclient: get endpoints: %w", err)
	}

	// Accept-all peer validation: every server certificate the discovery
	// returns is trusted, copied into trusted/ for audit, and its subject
	// logged once.
	for _, ep := range endpoints {
		if len(ep.ServerCertificate) == 0 {
			continue
		}
		subject, err := c.pki.AcceptPeer(ep.ServerCertificate)
		if err != nil {
			c.logger.Warn("opcuaclient: peer certificate unparseable, still accepting endpoint", zap.Error(err))
			continue
		}
		c.logCertSubjectOnce(subject)
	}

	policy := c.cfg.SecurityPolicy
	if policy == "" {
		policy = "None"
	}
	ep := opcua.SelectEndpoint(endpoints, policy, securityMode(c.cfg.SecurityMode))
	if ep == nil {
		return nil, fmt.Errorf("opcuaclient: no endpoint matches policy %q mode %q", policy, c.cfg.SecurityMode)
	}

	tokenType := ua.UserTokenTypeAnonymous
	if c.cfg.Username != "" && c.cfg.Password != "" {
		tokenType = ua.UserTokenTypeUserName
	}

	opts := []opcua.Option{
		opcua.Certificate(cert.Raw),
		opcua.PrivateKey(key),
		opcua.SecurityFromEndpoint(ep, tokenType),
	}

	if tokenType == ua.UserTokenTypeUserName {
		opts = append(opts, opcua.AuthUsername(c.cfg.Username, c.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	opts = append(opts,
		opcua.SessionTimeout(60*time.Second),
		opcua.RequestTimeout(30*time.Second),
	)

	return opts, nil
}

// securityMode maps the OPCUA_SECURITY_MODE value to a message security
// mode; anything unrecognized falls back to None.
func securityMode(mode string) ua.MessageSecurityMode {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "sign":
		return ua.MessageSecurityModeSign
	case "signandencrypt":
		return ua.MessageSecurityModeSignAndEncrypt
	default:
		return ua.MessageSecurityModeNone
	}
}
