package store

import (
	"database/sql"
	"testing"

	logx "taskmill/pkg/logx"
)

func TestEncodeConfig(t *testing.T) {
	if v, err := encodeConfig(nil); err != nil || v != nil {
		t.Fatalf("nil map should encode to NULL, got %v (err %v)", v, err)
	}
	if v, err := encodeConfig(map[string]string{}); err != nil || v != nil {
		t.Fatalf("empty map should encode to NULL, got %v (err %v)", v, err)
	}

	v, err := encodeConfig(map[string]string{"cmd": "true"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cfg, err := decodeConfig(sql.NullString{String: v.(string), Valid: true})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg["cmd"] != "true" {
		t.Fatalf("round trip lost data: %v", cfg)
	}

	if cfg, err := decodeConfig(sql.NullString{}); err != nil || cfg != nil {
		t.Fatalf("NULL should decode to nil map, got %v (err %v)", cfg, err)
	}
}

func TestExcludePlaceholders(t *testing.T) {
	ph, args := excludePlaceholders(nil)
	if ph != "" || args != nil {
		t.Fatalf("empty exclude should render nothing, got %q %v", ph, args)
	}

	ph, args = excludePlaceholders([]int64{3, 7, 9})
	if ph != "?,?,?" {
		t.Fatalf("unexpected placeholders: %q", ph)
	}
	if len(args) != 3 || args[0] != int64(3) || args[2] != int64(9) {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("default driver: %v", err)
	}
	defer st.Close()
	if _, ok := st.(*Memory); !ok {
		t.Fatalf("empty driver should open the memory store, got %T", st)
	}
}
