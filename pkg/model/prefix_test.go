package model

import (
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixJSON(t *testing.T) {
	p, err := ParsePrefix("192.168.5.0/24")
	require.NoError(t, err)

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `["192.168.5.0","255.255.255.0"]`, string(b))

	var back Prefix
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, p, back)
}

func TestPrefixNetIP(t *testing.T) {
	tests := []struct {
		name    string
		in      Prefix
		want    string
		wantErr bool
	}{
		{"slash24", Prefix{netip.MustParseAddr("10.1.2.0"), netip.MustParseAddr("255.255.255.0")}, "10.1.2.0/24", false},
		{"host bits masked", Prefix{netip.MustParseAddr("10.1.2.77"), netip.MustParseAddr("255.255.0.0")}, "10.1.0.0/16", false},
		{"slash32", Prefix{netip.MustParseAddr("10.1.2.3"), netip.MustParseAddr("255.255.255.255")}, "10.1.2.3/32", false},
		{"non contiguous", Prefix{netip.MustParseAddr("10.1.2.0"), netip.MustParseAddr("255.0.255.0")}, "", true},
		{"zero value", Prefix{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.NetIP()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestPrefixUnmarshalRejectsGarbage(t *testing.T) {
	var p Prefix
	assert.Error(t, json.Unmarshal([]byte(`"10.0.0.0/8"`), &p))
	assert.Error(t, json.Unmarshal([]byte(`["10.0.0.0","nope"]`), &p))
}

func TestRouterEncodesEmptyCollections(t *testing.T) {
	b, err := json.Marshal(NewRouter(""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"wanPrefixList":[],"lanPrefixList":[],"clientList":{}}`, string(b))
}

func TestRouterCloneIsDeep(t *testing.T) {
	r := NewRouter("A")
	r.ClientList["10.0.0.5"] = Client{Hostname: "x"}
	c := r.Clone()
	c.ClientList["10.0.0.6"] = Client{}
	assert.Len(t, r.ClientList, 1)
}
