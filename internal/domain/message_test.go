package domain

import (
	"encoding/binary"
	"testing"
)

func TestEncodeDataAndSourceLayout(t *testing.T) {
	m := NewMessage("github_push", []byte("hello"), NewGeneratorSource("github", "push"), Limited(3))
	buf, err := m.EncodeDataAndSource()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	gotLen := binary.LittleEndian.Uint32(buf[0:4])
	if gotLen != 5 {
		t.Fatalf("length prefix = %d, want 5", gotLen)
	}
	if string(buf[4:9]) != "hello" {
		t.Fatalf("data payload = %q, want %q", buf[4:9], "hello")
	}
	if len(buf) <= 9 {
		t.Fatalf("expected serialized source appended after data, got len %d", len(buf))
	}
}

func TestSourceExpectsResponse(t *testing.T) {
	cases := []struct {
		src  Source
		want bool
	}{
		{NewWebhookSource("hook", true), true},
		{NewWebhookSource("hook", false), false},
		{NewGeneratorSource("okta", ""), false},
		{NewLogbackSource("m.wasm"), false},
	}
	for _, c := range cases {
		if got := c.src.ExpectsResponse(); got != c.want {
			t.Errorf("Source{%v}.ExpectsResponse() = %v, want %v", c.src.Kind, got, c.want)
		}
	}
}

func TestQuotaSub(t *testing.T) {
	q := Limited(2)
	q, ok := q.Sub(1)
	if !ok || q.N() != 1 {
		t.Fatalf("after Sub(1): q=%v ok=%v, want N=1 ok=true", q, ok)
	}
	q, ok = q.Sub(1)
	if !ok || q.N() != 0 {
		t.Fatalf("after second Sub(1): q=%v ok=%v, want N=0 ok=true", q, ok)
	}
	if _, ok := q.Sub(1); ok {
		t.Fatalf("Sub on exhausted Limited(0) quota should fail")
	}

	u := Unlimited()
	if u2, ok := u.Sub(1_000_000); !ok || !u2.IsUnlimited() {
		t.Fatalf("Sub on Unlimited should always succeed and stay unlimited")
	}
}
