package devsim

import (
	"sync"
	"time"
)

type AccessPoint struct {
	SSID string `json:"ssid"`
	RSSI int    `json:"rssi"`
}

type Zone struct {
	ID       int    `json:"id"`
	Start    string `json:"start,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// State is simulated controller memory.
type State struct {
	mu       sync.Mutex
	started  time.Time
	aps      []AccessPoint
	ssid     string
	password string
	zones    []Zone
	commands int
}

func NewState() *State {
	return &State{
		started: time.Now(),
		aps: []AccessPoint{
			{"DripNet", -42},
			{"Garden-5G", -67},
			{"Neighbor", -80},
		},
	}
}

func (s *State) SetAccessPoints(aps []AccessPoint) {
	s.mu.Lock()
	s.aps = append([]AccessPoint(nil), aps...)
	s.mu.Unlock()
}

func (s *State) AccessPoints() []AccessPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AccessPoint(nil), s.aps...)
}

func (s *State) WiFi() (ssid, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssid, s.password
}

func (s *State) setWiFi(ssid, password string) {
	s.mu.Lock()
	s.ssid, s.password = ssid, password
	s.mu.Unlock()
}

func (s *State) Zones() []Zone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Zone(nil), s.zones...)
}

func (s *State) setZones(zs []Zone) {
	s.mu.Lock()
	s.zones = zs
	s.mu.Unlock()
}

func (s *State) Commands() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands
}

func (s *State) countCommand() {
	s.mu.Lock()
	s.commands++
	s.mu.Unlock()
}
