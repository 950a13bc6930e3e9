package endpoint

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func validEndpoint() Endpoint {
	return Endpoint{
		Name:           "home",
		RemoteHost:     "gw.example.net",
		RemoteUser:     "tunnel",
		RemoteBindPort: 2222,
		IdentityFile:   "/keys/tunnel_home",
	}.WithDefaults()
}

func TestValidateKeepaliveInterval(t *testing.T) {
	c := qt.New(t)
	ep := validEndpoint()
	c.Assert(ep.Validate(), qt.IsNil)

	ep.KeepaliveInterval = 500 * time.Millisecond
	c.Assert(ep.Validate(), qt.ErrorMatches, `.*KeepaliveInterval.*`)

	ep.KeepaliveInterval = time.Second
	c.Assert(ep.Validate(), qt.IsNil)
}

func TestDetectionTimeUsesWholeSeconds(t *testing.T) {
	c := qt.New(t)
	ep := validEndpoint()
	ep.KeepaliveInterval = 2500 * time.Millisecond
	ep.KeepaliveRetries = 3
	c.Assert(ep.KeepaliveSeconds(), qt.Equals, 3)
	c.Assert(ep.DetectionTime(), qt.Equals, 9*time.Second)
}

func TestRemoteBindIsLoopback(t *testing.T) {
	c := qt.New(t)
	c.Assert(validEndpoint().RemoteBind(), qt.Equals, "127.0.0.1:2222")
}
