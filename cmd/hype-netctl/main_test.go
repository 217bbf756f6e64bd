package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/c35s/hypenet/virtio"
)

func TestParseDeviceFile(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want deviceFile
		ok   bool
	}{
		{
			name: "empty",
			ok:   true,
		},
		{
			name: "full",
			in:   "mac: 02:00:00:00:00:01\nnum_queues: 4\nmtu: 1500\nspeed: 1000\nduplex: full\n",
			want: deviceFile{MAC: "02:00:00:00:00:01", NumQueues: 4, MTU: 1500, Speed: 1000, Duplex: "full"},
			ok:   true,
		},
		{
			name: "unknown field",
			in:   "queues: 4\n",
		},
		{
			name: "bad type",
			in:   "mtu: lots\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDeviceFile([]byte(tt.in))
			if !tt.ok {
				require.ErrorIs(t, err, errDeviceFile)
				return
			}

			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("device file (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDeviceFileNet(t *testing.T) {
	cfg, err := deviceFile{}.net()
	require.NoError(t, err)
	assert.Equal(t, defaultMAC, cfg.MAC.String())
	assert.Equal(t, uint8(virtio.NetDuplexUnknown), cfg.Duplex)

	cfg, err = deviceFile{Duplex: "Half"}.net()
	require.NoError(t, err)
	assert.Equal(t, uint8(virtio.NetDuplexHalf), cfg.Duplex)

	_, err = deviceFile{MAC: "not a mac"}.net()
	assert.ErrorIs(t, err, errDeviceFile)

	_, err = deviceFile{Duplex: "both"}.net()
	assert.ErrorIs(t, err, errDeviceFile)
}

func TestFeatureNames(t *testing.T) {
	assert.Nil(t, featureNames(0))
	assert.Equal(t, []string{"MAC", "CTRL_VQ", "VERSION_1"},
		featureNames(virtio.NetFMAC|virtio.NetFCtrlVQ|virtio.FVersion1|1<<40))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	err := newApp(&stdout, &stderr).Run(append([]string{"hype-netctl", "--log-level", "warn"}, args...))

	return stdout.String(), err
}

func TestConfigCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mac: 02:00:00:00:00:01\nnum_queues: 4\nmtu: 1500\n"), 0o644))

	t.Run("json", func(t *testing.T) {
		out, err := run(t, "config", "--device", path, "--speed", "100", "--duplex", "half")
		require.NoError(t, err)

		var got struct {
			Config   map[string]any `json:"config"`
			Features []string       `json:"features"`
			CtrlVQ   int            `json:"ctrl_vq"`
		}

		require.NoError(t, json.Unmarshal([]byte(out), &got))

		assert.Equal(t, "02:00:00:00:00:01", got.Config["mac"])
		assert.Equal(t, float64(2), got.Config["max_virtqueue_pairs"])
		assert.Equal(t, float64(1500), got.Config["mtu"])
		assert.Equal(t, float64(100), got.Config["speed"])
		assert.Equal(t, float64(virtio.NetDuplexHalf), got.Config["duplex"])
		assert.Contains(t, got.Features, "SPEED_DUPLEX")
		assert.Equal(t, 4, got.CtrlVQ)
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := run(t, "config", "-o", "yaml")
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, yaml.Unmarshal([]byte(out), &got))
		assert.Equal(t, 2, got["ctrl_vq"])
	})

	t.Run("table", func(t *testing.T) {
		out, err := run(t, "config", "-o", "table", "--mac", "02:00:00:00:00:02")
		require.NoError(t, err)
		assert.Contains(t, out, "02:00:00:00:00:02")
		assert.Contains(t, out, "CTRL_VQ")
	})

	t.Run("hex", func(t *testing.T) {
		out, err := run(t, "config", "-o", "hex")
		require.NoError(t, err)
		assert.Contains(t, out, "52 54 00 12 34 56 01 00  01 00")
	})

	t.Run("bad output", func(t *testing.T) {
		_, err := run(t, "config", "-o", "xml")
		assert.ErrorIs(t, err, errOutputFormat)
	})

	t.Run("bad device", func(t *testing.T) {
		_, err := run(t, "config", "--queues", "3")
		assert.ErrorIs(t, err, virtio.ErrNetConfig)
	})
}

func TestSimulate(t *testing.T) {
	cfg := &virtio.Net{MAC: []byte{0x02, 0, 0, 0, 0, 1}, NumQueues: 4}

	opts := simOptions{
		Pairs:   []uint16{1, 0, 2, virtio.CtrlMQVQPairsMax + 1},
		PauseAt: 2,
		Quiet:   50 * time.Millisecond,
		Timeout: 5 * time.Second,
	}

	r, err := simulate(context.Background(), cfg, opts, zerolog.Nop())
	require.NoError(t, err)

	want := []cmdResult{
		{Pairs: 1, Status: virtio.CtrlOK, Acked: true},
		{Pairs: 0, Status: statusUnset},
		{Pairs: 2, Status: virtio.CtrlOK, Acked: true, Paused: true},
		{Pairs: virtio.CtrlMQVQPairsMax + 1, Status: statusUnset},
	}

	if diff := cmp.Diff(want, r.Commands); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}

	assert.Equal(t, uint64(4), r.Stats.Commands)
	assert.Equal(t, uint64(2), r.Stats.Acked)
	assert.Equal(t, uint64(2), r.Stats.Rejected)
	assert.Equal(t, uint64(4), r.Stats.UsedPosted)
	assert.GreaterOrEqual(t, r.Interrupts, int32(4))

	assert.Contains(t, r.Negotiated, "MQ")
	assert.Equal(t, virtio.Initializing, cfg.State())
}

func TestSimulateTooManyQueues(t *testing.T) {
	cfg := &virtio.Net{MAC: []byte{0x02, 0, 0, 0, 0, 1}, NumQueues: 64}

	_, err := simulate(context.Background(), cfg, simOptions{Timeout: time.Second}, zerolog.Nop())
	assert.ErrorIs(t, err, errSimQueues)
}

func TestSimulateCommand(t *testing.T) {
	out, err := run(t, "simulate", "--pairs", "1", "--pairs", "1", "-o", "json")
	require.NoError(t, err)

	var got struct {
		Commands []cmdResult `json:"commands"`
	}

	require.NoError(t, json.Unmarshal([]byte(out), &got))

	require.Len(t, got.Commands, 2)
	assert.True(t, got.Commands[0].Acked)
	assert.True(t, got.Commands[1].Acked)
}
