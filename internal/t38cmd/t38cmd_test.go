package t38cmd

import (
	"errors"
	"testing"
)

func TestErrStrContainsNotFound(t *testing.T) {
	if !errStrContainsNotFound(errors.New("ERR id not found")) {
		t.Error("expected an id-not-found error to match")
	}
	if !errStrContainsNotFound(errors.New("ERR key not found")) {
		t.Error("expected a key-not-found error to match")
	}
	if errStrContainsNotFound(errors.New("connection reset by peer")) {
		t.Error("unrelated error should not match")
	}
}

func TestIsBusyLoading(t *testing.T) {
	if isBusyLoading(nil) {
		t.Error("nil error should not be busy loading")
	}
	if !isBusyLoading(errors.New("BUSY LOADING Tile38 is loading")) {
		t.Error("expected busy-loading match regardless of case")
	}
	if !isBusyLoading(errors.New("LOADING dataset in memory")) {
		t.Error("expected LOADING substring match")
	}
	if isBusyLoading(errors.New("i/o timeout")) {
		t.Error("unrelated error should not match")
	}
}

func TestCmdName(t *testing.T) {
	if got, want := cmdName([]interface{}{"set", "wifi", "k"}), "SET"; got != want {
		t.Errorf("cmdName = %q, want %q", got, want)
	}
	if got, want := cmdName(nil), "unknown"; got != want {
		t.Errorf("cmdName(nil) = %q, want %q", got, want)
	}
	if got, want := cmdName([]interface{}{42}), "unknown"; got != want {
		t.Errorf("cmdName(non-string head) = %q, want %q", got, want)
	}
}
