package auth

import "testing"

func TestVerify_ValidTokenNoPassword(t *testing.T) {
	svc, err := New("tok-123", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Verify(Credentials{Token: "tok-123"}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestVerify_MissingToken(t *testing.T) {
	svc, _ := New("tok-123", "")
	err := svc.Verify(Credentials{})
	if err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_WrongToken(t *testing.T) {
	svc, _ := New("tok-123", "")
	err := svc.Verify(Credentials{Token: "wrong"})
	if err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_WrongPasswordThenCorrect(t *testing.T) {
	svc, _ := New("tok-123", "correct-horse")

	if err := svc.Verify(Credentials{Token: "tok-123", Password: "wrong"}); err != ErrInvalidPassword {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if err := svc.Verify(Credentials{Token: "tok-123", Password: "correct-horse"}); err != nil {
		t.Fatalf("expected success on retry, got %v", err)
	}
}

func TestVerify_NoPasswordConfiguredIgnoresSupplied(t *testing.T) {
	svc, _ := New("tok-123", "")
	if err := svc.Verify(Credentials{Token: "tok-123", Password: "anything"}); err != nil {
		t.Fatalf("expected success when no password configured, got %v", err)
	}
}

func TestNew_GeneratesTokenWhenEmpty(t *testing.T) {
	svc, err := New("", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if svc.Token() == "" {
		t.Fatal("expected a generated token")
	}
	if len(svc.Token()) < 16 {
		t.Fatalf("expected a token with real entropy, got %q", svc.Token())
	}
}

func TestRequiresPassword(t *testing.T) {
	svc, _ := New("tok-123", "")
	if svc.RequiresPassword() {
		t.Fatal("expected RequiresPassword false")
	}
	svc2, _ := New("tok-123", "secret")
	if !svc2.RequiresPassword() {
		t.Fatal("expected RequiresPassword true")
	}
}
