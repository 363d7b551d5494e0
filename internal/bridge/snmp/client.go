package snmp

import (
	"time"

	"github.com/gosnmp/gosnmp"

	defaults "github.com/xtxerr/telemetry/config"
	"github.com/xtxerr/telemetry/internal/engine/config"
)

// Session is one connected agent.
type Session interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Close() error
}

// Dialer opens a session to a target.
type Dialer func(target config.SNMPTarget, timeout time.Duration, retries int) (Session, error)

type goSession struct {
	*gosnmp.GoSNMP
}

func (s goSession) Close() error {
	if s.Conn == nil {
		return nil
	}
	return s.Conn.Close()
}

// Dial connects to an agent with gosnmp.
func Dial(target config.SNMPTarget, timeout time.Duration, retries int) (Session, error) {
	client := newClient(target, timeout, retries)
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return goSession{client}, nil
}

func newClient(target config.SNMPTarget, timeout time.Duration, retries int) *gosnmp.GoSNMP {
	port := target.Port
	if port == 0 {
		port = defaults.DefaultSNMPPort
	}

	client := &gosnmp.GoSNMP{
		Target:  target.Host,
		Port:    port,
		Timeout: timeout,
		Retries: retries,
		MaxOids: gosnmp.MaxOids,
	}

	switch target.Version {
	case "1":
		client.Version = gosnmp.Version1
		client.Community = target.Community
	case "3":
		v3 := target.V3
		client.Version = gosnmp.Version3
		client.SecurityModel = gosnmp.UserSecurityModel
		client.MsgFlags = msgFlags(v3.SecurityLevel)
		client.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 v3.SecurityName,
			AuthenticationProtocol:   authProtocol(v3.AuthProtocol),
			AuthenticationPassphrase: v3.AuthPassword,
			PrivacyProtocol:          privProtocol(v3.PrivProtocol),
			PrivacyPassphrase:        v3.PrivPassword,
		}
		client.ContextName = v3.ContextName
	default:
		client.Version = gosnmp.Version2c
		client.Community = target.Community
	}

	return client
}

// =============================================================================
// SNMPv3 Protocol Helpers
// =============================================================================

func msgFlags(level string) gosnmp.SnmpV3MsgFlags {
	switch level {
	case "authNoPriv":
		return gosnmp.AuthNoPriv
	case "authPriv":
		return gosnmp.AuthPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func authProtocol(protocol string) gosnmp.SnmpV3AuthProtocol {
	switch protocol {
	case "MD5":
		return gosnmp.MD5
	case "SHA":
		return gosnmp.SHA
	case "SHA224":
		return gosnmp.SHA224
	case "SHA256":
		return gosnmp.SHA256
	case "SHA384":
		return gosnmp.SHA384
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func privProtocol(protocol string) gosnmp.SnmpV3PrivProtocol {
	switch protocol {
	case "DES":
		return gosnmp.DES
	case "AES":
		return gosnmp.AES
	case "AES192":
		return gosnmp.AES192
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.NoPriv
	}
}
