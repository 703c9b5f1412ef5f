package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestOfWrapsUnknownErrors(t *testing.T) {
	cause := errors.New("disk on fire")
	fe := Of(fmt.Errorf("wrapped: %w", cause))
	if fe.Code != CodeFailure {
		t.Fatalf("code = %s, want %s", fe.Code, CodeFailure)
	}
	if !errors.Is(fe, cause) {
		t.Fatal("cause not preserved")
	}

	orig := PermDenied("nope")
	if got := Of(fmt.Errorf("outer: %w", orig)); got.Code != CodePermDenied {
		t.Fatalf("typed fault not recovered through wrapping: %s", got.Code)
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("ctx: %w", DefendAccountHarvest("victim@example.com"))
	if !IsCode(err, CodeDefendHarvest) {
		t.Fatal("IsCode missed wrapped fault")
	}
	if IsCode(err, CodePermDenied) {
		t.Fatal("IsCode matched wrong code")
	}
}

func TestEncodeDecodeKeepsCodeAndArgs(t *testing.T) {
	fe := NoSuchAccount("ghost@example.com")
	el := fe.Encode()
	if !IsFaultElement(el) {
		t.Fatal("encoded fault not recognized")
	}

	back := Decode(el)
	if back.Code != CodeNoSuchAccount {
		t.Fatalf("code = %s", back.Code)
	}
	if back.Args[ArgAccount] != "ghost@example.com" {
		t.Fatalf("args = %v", back.Args)
	}
}

func TestEncodeNeverLeaksCause(t *testing.T) {
	fe := Failure(errors.New("postgres password is hunter2"))
	el := fe.Encode()
	data, err := el.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) == "" {
		t.Fatal("empty encoding")
	}
	for _, secret := range []string{"hunter2", "postgres"} {
		if contains(string(data), secret) {
			t.Fatalf("cause leaked into wire form: %s", data)
		}
	}
}

func TestRetriableSurvivesWire(t *testing.T) {
	fe := ResourceUnreachable("https://node-2:7443", 503, errors.New("refused"))
	back := Decode(fe.Encode())
	if !back.Retriable {
		t.Fatal("retriable flag lost")
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
