package hash_test

import (
	"testing"

	"github.com/FollowTheProcess/warp/hash"
)

func TestSum(t *testing.T) {
	t.Parallel()
	got := hash.Sum([]byte("hello"))
	want := hash.Hash("aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d")
	if got != want {
		t.Errorf("got %s, wanted %s", got, want)
	}
	if got.Tag() != "aaf4c6" {
		t.Errorf("got tag %s, wanted aaf4c6", got.Tag())
	}
}

func TestSumDeterministic(t *testing.T) {
	t.Parallel()
	first := hash.Sum([]byte("content"))
	for i := 0; i < 100; i++ {
		if got := hash.Sum([]byte("content")); got != first {
			t.Fatalf("digest drifted on run %d: %s != %s", i, got, first)
		}
	}
}

func TestBytesRoundTrip(t *testing.T) {
	t.Parallel()
	b := hash.NewBytes([]byte("some content"))
	if string(b.Spec()) != "some content" {
		t.Errorf("spec should be the content itself, got %q", b.Spec())
	}

	rebuilt, err := hash.FromSpec(hash.BytesTag, b.Spec(), nil)
	if err != nil {
		t.Fatalf("FromSpec returned an error: %v", err)
	}
	if rebuilt.Hashid() != b.Hashid() {
		t.Errorf("round trip changed hashid: %s != %s", rebuilt.Hashid(), b.Hashid())
	}

	value, err := rebuilt.Value()
	if err != nil {
		t.Fatalf("Value returned an error: %v", err)
	}
	if string(value.([]byte)) != "some content" {
		t.Errorf("got %q, wanted %q", value, "some content")
	}
}

func TestBytesLabel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content []byte
		want    string
	}{
		{name: "short", content: []byte("hi"), want: `"hi"`},
		{name: "long", content: []byte("a very long piece of content indeed"), want: `"a very long piece..."`},
		{name: "binary", content: []byte{0xff, 0xfe, 0x00, 0x01}, want: `"<BINARY>"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hash.NewBytes(tt.content).Label(); got != tt.want {
				t.Errorf("got %s, wanted %s", got, tt.want)
			}
		})
	}
}

func TestFromSpecUnknownTag(t *testing.T) {
	t.Parallel()
	_, err := hash.FromSpec("nope:Nope", nil, nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered typetag")
	}
}
