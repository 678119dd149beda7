package link

import "strings"

const DefaultTopicPrefix = "security1/esp32"

type Role uint8

const (
	RoleClient Role = iota
	RoleDevice
)

func (r Role) String() string {
	if r == RoleDevice {
		return "device"
	}
	return "client"
}

// Topics maps channels to MQTT topics:
// {prefix}/handshake/request, {prefix}/handshake/response,
// {prefix}/data/request, {prefix}/data/response.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

func (t Topics) Request(ch Channel) string  { return t.prefix() + "/" + ch.String() + "/request" }
func (t Topics) Response(ch Channel) string { return t.prefix() + "/" + ch.String() + "/response" }

// Publish returns topic where role sends on ch.
func (t Topics) Publish(role Role, ch Channel) string {
	if role == RoleDevice {
		return t.Response(ch)
	}
	return t.Request(ch)
}

// Subscribe returns topic where role receives on ch.
func (t Topics) Subscribe(role Role, ch Channel) string {
	if role == RoleDevice {
		return t.Request(ch)
	}
	return t.Response(ch)
}

// Channel resolves topic received by role.
func (t Topics) Channel(role Role, topic string) (Channel, bool) {
	for ch := Channel(0); ch < numChannels; ch++ {
		if t.Subscribe(role, ch) == topic {
			return ch, true
		}
	}
	return 0, false
}

// Owns reports whether topic or subscription filter lies under prefix.
func (t Topics) Owns(topic string) bool {
	return strings.HasPrefix(topic, t.prefix()+"/")
}

// Filter matches every topic under prefix.
func (t Topics) Filter() string { return t.prefix() + "/#" }
