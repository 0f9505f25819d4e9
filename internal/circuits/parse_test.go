package circuits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCircuitLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Circuit
	}{
		{
			name: "two hop built with legacy purpose",
			line: "1 BUILT $AAAA,$BBBB GENERAL",
			want: Circuit{
				ID:     "1",
				Status: "BUILT",
				Hops: []Hop{
					{Fingerprint: "AAAA", Role: RoleGuard},
					{Fingerprint: "BBBB", Role: RoleExit},
				},
				Purpose: "GENERAL",
			},
		},
		{
			name: "three hop with nicknames and keyed purpose",
			line: "42 BUILT $AAAA~alpha,$BBBB~beta,$CCCC=gamma PURPOSE=GENERAL TIME_CREATED=2026-08-26T10:00:00.000000",
			want: Circuit{
				ID:     "42",
				Status: "BUILT",
				Hops: []Hop{
					{Fingerprint: "AAAA", Nickname: "alpha", Role: RoleGuard},
					{Fingerprint: "BBBB", Nickname: "beta", Role: RoleMiddle},
					{Fingerprint: "CCCC", Nickname: "gamma", Role: RoleExit},
				},
				Purpose: "GENERAL",
			},
		},
		{
			name: "launched without path",
			line: "7 LAUNCHED PURPOSE=GENERAL",
			want: Circuit{ID: "7", Status: "LAUNCHED", Purpose: "GENERAL"},
		},
		{
			name: "single hop is guard",
			line: "3 EXTENDED $DDDD PURPOSE=HS_CLIENT_INTRO",
			want: Circuit{
				ID:      "3",
				Status:  "EXTENDED",
				Hops:    []Hop{{Fingerprint: "DDDD", Role: RoleGuard}},
				Purpose: "HS_CLIENT_INTRO",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCircuitLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCircuitLineErrors(t *testing.T) {
	for _, line := range []string{
		"",
		"1",
		"abc BUILT $AAAA GENERAL",
		"1 BUILT $AAAA,noprefix GENERAL",
		"1 BUILT $ GENERAL",
	} {
		t.Run(line, func(t *testing.T) {
			_, err := parseCircuitLine(line)
			assert.ErrorIs(t, err, ErrMalformedCircuit)
		})
	}
}

func TestCircuitBuilt(t *testing.T) {
	assert.True(t, Circuit{Status: "BUILT"}.Built())
	assert.False(t, Circuit{Status: "LAUNCHED"}.Built())
}

func TestParseRouterStatus(t *testing.T) {
	info := parseRouterStatus([]string{
		"r relayname p1aag7VwarGxqctS7/fS0y5FU+s 2026-08-25 14:31:02 192.0.2.44 9001 0",
		"s Exit Fast Guard Running Stable Valid",
		"w Bandwidth=20480",
	})
	assert.Equal(t, "relayname", info.Nickname)
	assert.Equal(t, "192.0.2.44", info.IP)
	assert.Equal(t, int64(20480), info.BandwidthKB)
}

func TestParseRouterStatusEmpty(t *testing.T) {
	info := parseRouterStatus(nil)
	assert.Empty(t, info.Nickname)
	assert.Empty(t, info.IP)
	assert.Zero(t, info.BandwidthKB)
}
