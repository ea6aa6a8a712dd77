package config

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
	}{
		{"localhost:6379", 1, "", 0},
		{"redis://:pass@localhost:6379/1", 1, "", 1},
		{"redis://host1:6379,host2:6379/0", 2, "", 0},
		{"redis://localhost:6379?db=3", 1, "", 3},
		{"redis-sentinel://localhost:26379/mymaster?db=2", 1, "mymaster", 2},
	}
	for _, tt := range tests {
		opts, err := RedisOptions(tt.url)
		if err != nil {
			t.Fatalf("RedisOptions(%q): %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs {
			t.Fatalf("%q addrs = %d; want %d", tt.url, len(opts.Addrs), tt.addrs)
		}
		if opts.MasterName != tt.master {
			t.Fatalf("%q master = %q; want %q", tt.url, opts.MasterName, tt.master)
		}
		if opts.DB != tt.db {
			t.Fatalf("%q db = %d; want %d", tt.url, opts.DB, tt.db)
		}
	}
	if _, err := RedisOptions("memcache://localhost"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	c, err := NewRedisClient(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	defer func() { _ = c.Close() }()

	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedisClient(context.Background(), addr); err == nil {
		t.Fatalf("expected ping failure once the server is gone")
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := ResolveConfigPath("linux", "/home/u", "", "relay.yaml"); got != "/etc/mcprelay/relay.yaml" {
		t.Fatalf("linux path = %q", got)
	}
	if got := ResolveConfigPath("darwin", "/Users/u", "", "relay.yaml"); got != "/Users/u/Library/Application Support/mcprelay/relay.yaml" {
		t.Fatalf("darwin path = %q", got)
	}
}
