package redis

import (
	"testing"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

func TestKeyLayout(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{alertStreamKey(model.TF15m), "alerts:15m"},
		{latestAlertKey("tok", model.TF1h), "alert:latest:tok:1h"},
		{alertChannel(model.TF4h), "pub:alerts:4h"},
		{snapshotKey("tok", model.TF15m), "ind:latest:tok:15m"},
		{snapshotChannel("tok"), "pub:ind:tok"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}
