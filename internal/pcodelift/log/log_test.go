package log

import "testing"

func TestSetupOnce(t *testing.T) {
	t.Setenv("PCODELIFT_LOG_LEVEL", "error")
	first := Setup(true)
	if !Initialized() {
		t.Fatal("Setup did not mark logging initialised")
	}
	if second := Setup(false); second != first {
		t.Error("Setup built a second logger")
	}
}

func TestRecoverPanic(t *testing.T) {
	cleaned := false
	func() {
		defer RecoverPanic("worker", func() { cleaned = true })
		panic("boom")
	}()
	if !cleaned {
		t.Error("cleanup did not run")
	}
}
