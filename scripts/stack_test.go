package scripts

import (
	"strings"
	"testing"
)

func TestStackDryRunCommands(t *testing.T) {
	cases := map[string][]string{
		"up": {
			"[dry-run] docker compose",
			"ledgerline-migrate -direction up",
			"[dry-run] nohup env",
			"LEDGERLINE_NATS_ENABLED=true",
			"stack is up",
		},
		"down": {
			"[dry-run] cd",
			"[dry-run] docker compose",
			"stack is down",
		},
		"status": {
			"[dry-run] docker compose",
			"ledgerline-api",
		},
	}
	for command, want := range cases {
		t.Run(command, func(t *testing.T) {
			res := runScript(t, "stack.sh", []string{"LEDGERLINE_EVENTSTORE_DSN=postgres://u:p@db:5432/ll"}, command, "--dry-run")
			if res.err != nil {
				t.Fatalf("stack %s failed: %v\nstdout:\n%s\nstderr:\n%s", command, res.err, res.stdout, res.stderr)
			}
			for _, token := range want {
				if !strings.Contains(res.stdout, token) {
					t.Fatalf("stack %s output missing %q:\n%s", command, token, res.stdout)
				}
			}
		})
	}
}

func TestStackUpUsesConfiguredDSN(t *testing.T) {
	res := runScript(t, "stack.sh", []string{"LEDGERLINE_EVENTSTORE_DSN=postgres://u:p@db:5432/ll"}, "up", "--dry-run")
	if res.err != nil {
		t.Fatalf("stack up failed: %v\n%s", res.err, res.stderr)
	}
	if !strings.Contains(res.stdout, "LEDGERLINE_EVENTSTORE_DSN=postgres://u:p@db:5432/ll") {
		t.Fatalf("configured DSN not forwarded:\n%s", res.stdout)
	}
}

func TestStackRejectsUnknownInput(t *testing.T) {
	for args, want := range map[string][]string{
		"unknown command":  {"not-a-command"},
		"unknown argument": {"up", "--fast"},
	} {
		res := runScript(t, "stack.sh", nil, want...)
		if res.err == nil {
			t.Fatalf("stack %v: expected non-zero exit", want)
		}
		if !strings.Contains(res.stderr, args) {
			t.Fatalf("stack %v stderr missing %q:\n%s", want, args, res.stderr)
		}
	}
}
