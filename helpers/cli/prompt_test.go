package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input string
		word  string
		rest  string
	}{
		{"", "", ""},
		{"ping", "ping", ""},
		{"  ping  ", "ping", ""},
		{`syncSchedule {"zones": []}`, "syncSchedule", `{"zones": []}`},
		{"wifiConfigure\t {\"ssid\":\"a b\"} ", "wifiConfigure", `{"ssid":"a b"}`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			t.Parallel()
			word, rest := SplitCommand(c.input)
			assert.Equal(t, c.word, word)
			assert.Equal(t, c.rest, rest)
		})
	}
}
