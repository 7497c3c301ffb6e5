package server

import (
	"testing"

	"mini-rpc/rpcerr"
)

type HelloService struct{}

func (h *HelloService) Greet(args *Args, reply *Reply) error {
	reply.Result = 1
	return nil
}

type EchoService struct{}

func (e *EchoService) Greet(args *Args, reply *Reply) error {
	reply.Result = 2
	return nil
}

func TestRouterDefaultServiceDispatch(t *testing.T) {
	hello, err := NewService(&HelloService{})
	if err != nil {
		t.Fatalf("NewService(hello): %v", err)
	}
	echo, err := NewService(&EchoService{})
	if err != nil {
		t.Fatalf("NewService(echo): %v", err)
	}

	r := NewRouter().WithDefaultService(hello)
	r.AddService(echo)

	svc, err := r.Dispatch("")
	if err != nil {
		t.Fatalf("Dispatch(\"\"): %v", err)
	}
	if svc.Name() != "HelloService" {
		t.Errorf("Dispatch(\"\") = %q, want HelloService", svc.Name())
	}

	svc, err = r.Dispatch("EchoService")
	if err != nil {
		t.Fatalf("Dispatch(EchoService): %v", err)
	}
	if svc.Name() != "EchoService" {
		t.Errorf("Dispatch(EchoService) = %q, want EchoService", svc.Name())
	}

	svc, err = r.Dispatch("Unknown")
	if err != nil {
		t.Fatalf("Dispatch(Unknown): %v", err)
	}
	if svc.Name() != "HelloService" {
		t.Errorf("Dispatch(Unknown) = %q, want fallback to HelloService", svc.Name())
	}
}

func TestRouterNoDefaultUnknownService(t *testing.T) {
	echo, err := NewService(&EchoService{})
	if err != nil {
		t.Fatalf("NewService(echo): %v", err)
	}

	r := NewRouter().AddService(echo)

	_, err = r.Dispatch("Unknown")
	if err == nil {
		t.Fatal("Dispatch(Unknown) with no default: expected error, got nil")
	}
	rerr, ok := err.(*rpcerr.Error)
	if !ok {
		t.Fatalf("Dispatch error type = %T, want *rpcerr.Error", err)
	}
	if rerr.ApplicationCode != "unknown_method" {
		t.Errorf("ApplicationCode = %q, want unknown_method", rerr.ApplicationCode)
	}
}
