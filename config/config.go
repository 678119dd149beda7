// Package config reads dripctl HCL configuration.
//
//	include "local.hcl" { optional = true }
//	security { pop = "abcd1234" }
//	chunk { mtu = 20 }
//	mqtt { broker = "tcp://localhost:1883" }
package config

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/smartdrip/driplink/chunk"
	"github.com/smartdrip/driplink/client"
	"github.com/smartdrip/driplink/devsim"
	"github.com/smartdrip/driplink/helpers"
	"github.com/smartdrip/driplink/link"
	"github.com/smartdrip/driplink/link/mqttlink"
	"github.com/smartdrip/driplink/log2"
	"github.com/smartdrip/driplink/sec1"
)

const (
	EnvPoP = "DRIP_POP"

	TransportMQTT   = "mqtt"
	TransportMemory = "memory"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	LogDebug  bool   `hcl:"log_debug"`
	Transport string `hcl:"transport"` // mqtt|memory

	Security struct {
		Enable              bool   `hcl:"enable"`
		PoP                 string `hcl:"pop"` // secret
		HandshakeTimeoutSec int    `hcl:"handshake_timeout_sec"`
	}
	Chunk struct {
		MTU                 int  `hcl:"mtu"`
		MaxChunks           int  `hcl:"max_chunks"`
		MaxFrames           int  `hcl:"max_frames"`
		ReassemblyTimeoutMs int  `hcl:"reassembly_timeout_ms"`
		Force               bool `hcl:"force"`
	}
	Client struct {
		CallTimeoutSec int  `hcl:"call_timeout_sec"`
		JSON           bool `hcl:"json"`
	}
	Device struct {
		Name    string `hcl:"name"`
		Version string `hcl:"version"`
	}
	MQTT struct { //nolint:maligned
		Engine            string `hcl:"engine"` // paho|gomqtt
		Broker            string `hcl:"broker"`
		TopicPrefix       string `hcl:"topic_prefix"`
		ClientID          string `hcl:"client_id"`
		Username          string `hcl:"username"`
		Password          string `hcl:"password"` // secret
		QoS               int    `hcl:"qos"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		TlsCaFile         string `hcl:"tls_ca_file"`
		LogDebug          bool   `hcl:"log_debug"`
	} `hcl:"mqtt"`
	Broker struct {
		Listen      []string          `hcl:"listen"`
		Users       map[string]string `hcl:"users"` // secret
		TlsCertFile string            `hcl:"tls_cert_file"`
		TlsKeyFile  string            `hcl:"tls_key_file"`
	}
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}
	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}
	if err = hcl.Unmarshal(bs, c); err != nil {
		// content may contain secrets
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}
	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig merges sources in order, later values override.
// Result is normalized and validated.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("config without source names")
	}
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := newConfig()
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs...); err != nil {
		return nil, err
	}
	if err := c.Normalize(); err != nil {
		return nil, err
	}
	return c, nil
}

// hcl leaves absent keys untouched, defaults set here survive decoding.
func newConfig() *Config {
	c := &Config{includeSeen: make(map[string]struct{})}
	c.MQTT.QoS = mqttlink.DefaultQoS
	return c
}

func ReadConfigFile(log *log2.Log, path string) (*Config, error) {
	return ReadConfig(log, NewOsFullReader(), path)
}

func MustReadConfigFile(log *log2.Log, path string) *Config {
	c, err := ReadConfigFile(log, path)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// Default is normalized config without any source.
func Default() *Config {
	c := newConfig()
	if err := c.Normalize(); err != nil {
		panic("code error default config: " + err.Error())
	}
	return c
}

// Normalize applies environment and defaults, then validates.
// Environment DRIP_POP overrides security.pop and enables security.
func (c *Config) Normalize() error {
	if pop, ok := os.LookupEnv(EnvPoP); ok && pop != "" {
		c.Security.PoP = pop
		c.Security.Enable = true
	}
	if c.Security.PoP != "" {
		c.Security.Enable = true
	}
	if c.Transport == "" {
		c.Transport = TransportMQTT
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = link.DefaultTopicPrefix
	}
	if c.Chunk.MaxChunks == 0 {
		c.Chunk.MaxChunks = chunk.DefaultMaxChunks
	}
	if c.Chunk.MaxFrames == 0 {
		c.Chunk.MaxFrames = chunk.DefaultMaxFrames
	}
	if len(c.Broker.Listen) == 0 {
		c.Broker.Listen = []string{"tcp://127.0.0.1:1883"}
	}
	return c.validate()
}

func (c *Config) validate() error {
	switch c.Transport {
	case TransportMQTT, TransportMemory:
	default:
		return errors.NotValidf("config transport=%s valid: mqtt, memory", c.Transport)
	}
	if c.Security.Enable {
		if err := sec1.ValidatePoP(c.Security.PoP); err != nil {
			return errors.Annotate(err, "config security.pop")
		}
		if c.Client.JSON {
			return errors.NotValidf("config client.json with security enabled")
		}
	}
	if c.Chunk.MTU < 0 || (c.Chunk.MTU > 0 && c.Chunk.MTU <= chunk.HeaderSize) {
		return errors.NotValidf("config chunk.mtu=%d must be 0 or more than %d", c.Chunk.MTU, chunk.HeaderSize)
	}
	if c.Chunk.MaxChunks < 1 || c.Chunk.MaxChunks > 255 {
		return errors.NotValidf("config chunk.max_chunks=%d valid: 1-255", c.Chunk.MaxChunks)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 1 {
		return errors.NotValidf("config mqtt.qos=%d valid: 0, 1", c.MQTT.QoS)
	}
	switch c.MQTT.Engine {
	case "", mqttlink.EnginePaho, mqttlink.EngineGomqtt:
	default:
		return errors.NotValidf("config mqtt.engine=%s valid: paho, gomqtt", c.MQTT.Engine)
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		return errors.NotValidf("config mqtt.topic_prefix=%s wildcard", c.MQTT.TopicPrefix)
	}
	return nil
}

func (c *Config) ChunkConfig() chunk.Config {
	return chunk.Config{
		MTU:       c.Chunk.MTU,
		MaxChunks: c.Chunk.MaxChunks,
		MaxFrames: c.Chunk.MaxFrames,
		Timeout:   helpers.IntMillisecondDefault(c.Chunk.ReassemblyTimeoutMs, chunk.DefaultTimeout),
	}
}

func (c *Config) ClientOptions(log *log2.Log) client.Options {
	return client.Options{
		Log:              log,
		Secure:           c.Security.Enable,
		PoP:              c.Security.PoP,
		HandshakeTimeout: helpers.IntSecondDefault(c.Security.HandshakeTimeoutSec, sec1.DefaultHandshakeTimeout),
		CallTimeout:      helpers.IntSecondDefault(c.Client.CallTimeoutSec, client.DefaultCallTimeout),
		Chunk:            c.ChunkConfig(),
		Force:            c.Chunk.Force,
		JSON:             c.Client.JSON,
	}
}

func (c *Config) DeviceOptions(log *log2.Log) devsim.Options {
	return devsim.Options{
		Log:     log,
		Secure:  c.Security.Enable,
		PoP:     c.Security.PoP,
		Chunk:   c.ChunkConfig(),
		Force:   c.Chunk.Force,
		JSON:    c.Client.JSON,
		Name:    c.Device.Name,
		Version: c.Device.Version,
	}
}

// BrokerTLS returns nil when certificate is not configured.
func (c *Config) BrokerTLS() (*tls.Config, error) {
	if c.Broker.TlsCertFile == "" && c.Broker.TlsKeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.Broker.TlsCertFile, c.Broker.TlsKeyFile)
	if err != nil {
		return nil, errors.Annotate(err, "config broker.tls_cert_file")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// MQTTOptions reads TLS CA file when configured.
// Empty mqtt.engine means paho for client role and gomqtt for device.
func (c *Config) MQTTOptions(role link.Role, log *log2.Log) (mqttlink.Options, error) {
	opt := mqttlink.Options{
		Engine:         c.MQTT.Engine,
		Broker:         c.MQTT.Broker,
		Topics:         link.Topics{Prefix: c.MQTT.TopicPrefix},
		Role:           role,
		ClientID:       c.MQTT.ClientID,
		Username:       c.MQTT.Username,
		Password:       c.MQTT.Password,
		QoS:            byte(c.MQTT.QoS),
		Keepalive:      helpers.IntSecondDefault(c.MQTT.KeepaliveSec, mqttlink.DefaultKeepalive),
		NetworkTimeout: helpers.IntSecondDefault(c.MQTT.NetworkTimeoutSec, mqttlink.DefaultNetworkTimeout),
		MTU:            c.Chunk.MTU,
		LogDebug:       c.MQTT.LogDebug,
		Log:            log,
	}
	if opt.Engine == "" {
		opt.Engine = mqttlink.EnginePaho
		if role == link.RoleDevice {
			opt.Engine = mqttlink.EngineGomqtt
		}
	}
	if c.MQTT.TlsCaFile != "" {
		opt.TLS = new(tls.Config)
		opt.TLS.RootCAs = x509.NewCertPool()
		cabytes, err := ioutil.ReadFile(c.MQTT.TlsCaFile)
		if err != nil {
			return opt, errors.Annotate(err, "config mqtt.tls_ca_file")
		}
		if !opt.TLS.RootCAs.AppendCertsFromPEM(cabytes) {
			return opt, errors.NotValidf("config mqtt.tls_ca_file=%s no certificates", c.MQTT.TlsCaFile)
		}
	}
	return opt, nil
}
