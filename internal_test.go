// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import (
	"errors"
	"testing"
)

func TestErrParams(t *testing.T) {
	data := errParams("it broke")
	if got := errMessage(data); got != "it broke" {
		t.Errorf("errMessage: got %q, want %q", got, "it broke")
	}
	if got := errMessage([]byte("definitely not a container")); got != "" {
		t.Errorf("errMessage of junk: got %q, want empty", got)
	}
	var out Out
	out.SetInt("other", 5)
	enc, err := out.Encode()
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}
	if got := errMessage(enc); got != "" {
		t.Errorf("errMessage without error key: got %q, want empty", got)
	}
}

func TestErrStatus(t *testing.T) {
	if st := errStatus(nil); !st.OK() {
		t.Errorf("errStatus(nil): got %v, want OK", st)
	}
	st := errStatus(Errorf(CodeDuplicateMethod, "taken"))
	if st.Code() != CodeDuplicateMethod || st.Message() != "taken" {
		t.Errorf("errStatus(*Error): got %v, want DUPLICATE_METHOD: taken", st)
	}
	st = errStatus(errors.New("plumbing broke"))
	if st.Code() != CodeConnectionClosed {
		t.Errorf("errStatus(plain): got %v, want CONNECTION_CLOSED", st)
	}
}

func TestStatusZero(t *testing.T) {
	var st Status
	if !st.OK() || st.Code() != CodeOK || st.Message() != "" {
		t.Errorf("Zero status: got %v, want OK", st)
	}
	if got := st.String(); got != "OK" {
		t.Errorf("String: got %q, want OK", got)
	}
	fail := statusOf(CodeTimeout, "too slow")
	if got, want := fail.String(), "TIMEOUT: too slow"; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
}

func TestErrorText(t *testing.T) {
	e := Errorf(CodeMethodNotFound, "no method %q", "Frob")
	if got, want := e.Error(), `METHOD_NOT_FOUND: no method "Frob"`; got != want {
		t.Errorf("Error: got %q, want %q", got, want)
	}
	bare := &Error{Code: CodeHandlerError}
	if got, want := bare.Error(), "HANDLER_ERROR"; got != want {
		t.Errorf("Error: got %q, want %q", got, want)
	}
}
