package redisutil

import "testing"

func TestParseOptionsDefaultsURL(t *testing.T) {
	opts, err := ParseOptions("  ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Addr != "localhost:6379" {
		t.Fatalf("expected default address, got %s", opts.Addr)
	}
	if opts.TLSConfig != nil {
		t.Fatalf("expected plain connection without tls env")
	}
}

func TestParseOptionsAppliesTLSEnv(t *testing.T) {
	t.Setenv("REDIS_TLS_INSECURE", "true")
	opts, err := ParseOptions("redis://:secret@cache:6380/2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.TLSConfig == nil || !opts.TLSConfig.InsecureSkipVerify {
		t.Fatalf("expected insecure tls config")
	}
	if opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("url settings lost: %+v", opts)
	}
}

func TestParseOptionsRejectsBadURL(t *testing.T) {
	if _, err := ParseOptions("http://not-redis"); err == nil {
		t.Fatalf("expected error for non-redis scheme")
	}
}

func TestUniversalUsesClusterAddresses(t *testing.T) {
	opts, err := ParseOptions("redis://:pw@cache:6379/0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	u := universal(opts, []string{"a:7000", "b:7000"})
	if len(u.Addrs) != 2 || u.Password != "pw" {
		t.Fatalf("unexpected universal options %+v", u)
	}
	if single := universal(opts, nil); len(single.Addrs) != 1 || single.Addrs[0] != "cache:6379" {
		t.Fatalf("expected single address, got %v", single.Addrs)
	}
}
