package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/firebase/genkit/go/genkit"
	"github.com/google/go-cmp/cmp"
	"github.com/google/jsonschema-go/jsonschema"
)

// echoInput gives registry tests a tool with one required and one
// optional field.
type echoInput struct {
	Message string `json:"message" jsonschema_description:"Text to echo back"`
	Upper   bool   `json:"upper,omitempty" jsonschema_description:"Uppercase the reply"`
}

type echoOutput struct {
	Reply string `json:"reply"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	g := genkit.Init(context.Background())
	return NewRegistry(g)
}

func defineEcho(t *testing.T, r *Registry) {
	t.Helper()
	err := Define(r, "echo", "Echo a message back.", func(_ context.Context, in echoInput) (echoOutput, error) {
		reply := in.Message
		if in.Upper {
			reply = strings.ToUpper(reply)
		}
		return echoOutput{Reply: reply}, nil
	})
	if err != nil {
		t.Fatalf("Define(echo) unexpected error: %v", err)
	}
}

func TestDefine_RegistersTool(t *testing.T) {
	r := newTestRegistry(t)
	defineEcho(t, r)

	if got := r.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
	if diff := cmp.Diff([]string{"echo"}, r.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}

	refs := r.Refs()
	if len(refs) != 1 {
		t.Fatalf("Refs() returned %d refs, want 1", len(refs))
	}
	if got := refs[0].Name(); got != "echo" {
		t.Errorf("Refs()[0].Name() = %q, want %q", got, "echo")
	}
}

func TestDefine_DuplicateNameRejected(t *testing.T) {
	r := newTestRegistry(t)
	defineEcho(t, r)

	err := Define(r, "echo", "Echo again.", func(_ context.Context, in echoInput) (echoOutput, error) {
		return echoOutput{}, nil
	})
	if err == nil {
		t.Fatal("Define() with duplicate name expected error, got nil")
	}
	if !strings.Contains(err.Error(), "already registered") {
		t.Errorf("Define() error = %q, want to contain %q", err.Error(), "already registered")
	}
}

func TestDefine_VisibleToGenkit(t *testing.T) {
	g := genkit.Init(context.Background())
	r := NewRegistry(g)
	defineEcho(t, r)

	if tool := genkit.LookupTool(g, "echo"); tool == nil {
		t.Error("LookupTool(echo) = nil, want registered tool")
	}
}

func TestRegistry_Validate(t *testing.T) {
	r := newTestRegistry(t)
	defineEcho(t, r)

	tests := []struct {
		name    string
		tool    string
		input   any
		wantErr bool
		errMsg  string
	}{
		{
			name:  "valid input",
			tool:  "echo",
			input: map[string]any{"message": "hello"},
		},
		{
			name:  "valid input with optional field",
			tool:  "echo",
			input: map[string]any{"message": "hello", "upper": true},
		},
		{
			name:  "typed struct input",
			tool:  "echo",
			input: echoInput{Message: "hello"},
		},
		{
			name:    "missing required field",
			tool:    "echo",
			input:   map[string]any{"upper": true},
			wantErr: true,
		},
		{
			name:    "wrong field type",
			tool:    "echo",
			input:   map[string]any{"message": 42},
			wantErr: true,
		},
		{
			name:    "nil input misses required field",
			tool:    "echo",
			input:   nil,
			wantErr: true,
		},
		{
			name:    "unknown tool",
			tool:    "nope",
			input:   map[string]any{},
			wantErr: true,
			errMsg:  "unknown tool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.tool, tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Validate() expected error, got nil")
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %q, want to contain %q", err.Error(), tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := newTestRegistry(t)
	defineEcho(t, r)

	t.Run("map input converts via JSON", func(t *testing.T) {
		out, err := r.Execute(context.Background(), "echo", map[string]any{"message": "hello"})
		if err != nil {
			t.Fatalf("Execute() unexpected error: %v", err)
		}
		got, ok := out.(echoOutput)
		if !ok {
			t.Fatalf("Execute() output type = %T, want echoOutput", out)
		}
		if got.Reply != "hello" {
			t.Errorf("Execute() reply = %q, want %q", got.Reply, "hello")
		}
	})

	t.Run("typed input passes straight through", func(t *testing.T) {
		out, err := r.Execute(context.Background(), "echo", echoInput{Message: "hi", Upper: true})
		if err != nil {
			t.Fatalf("Execute() unexpected error: %v", err)
		}
		if got := out.(echoOutput).Reply; got != "HI" {
			t.Errorf("Execute() reply = %q, want %q", got, "HI")
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := r.Execute(context.Background(), "nope", nil)
		if err == nil {
			t.Fatal("Execute() expected error, got nil")
		}
		if !strings.Contains(err.Error(), "unknown tool") {
			t.Errorf("Execute() error = %q, want to contain %q", err.Error(), "unknown tool")
		}
	})
}

func TestRegistry_ExecuteErrorPropagates(t *testing.T) {
	r := newTestRegistry(t)

	sentinel := errors.New("backend down")
	err := Define(r, "broken", "Always fails.", func(_ context.Context, in echoInput) (echoOutput, error) {
		return echoOutput{}, sentinel
	})
	if err != nil {
		t.Fatalf("Define(broken) unexpected error: %v", err)
	}

	_, err = r.Execute(context.Background(), "broken", map[string]any{"message": "x"})
	if !errors.Is(err, sentinel) {
		t.Errorf("Execute() error = %v, want %v", err, sentinel)
	}
}

func TestDefineErased_UsesProvidedSchema(t *testing.T) {
	r := newTestRegistry(t)

	schema := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"city": {Type: "string"},
		},
		Required: []string{"city"},
	}
	err := defineErased(r, "weather", "Get the weather.", schema, func(_ context.Context, input any) (any, error) {
		args := input.(map[string]any)
		return map[string]any{"city": args["city"], "sky": "clear"}, nil
	})
	if err != nil {
		t.Fatalf("defineErased() unexpected error: %v", err)
	}

	if err := r.Validate("weather", map[string]any{}); err == nil {
		t.Error("Validate() without required field expected error, got nil")
	}
	if err := r.Validate("weather", map[string]any{"city": "Taipei"}); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}

	out, err := r.Execute(context.Background(), "weather", map[string]any{"city": "Taipei"})
	if err != nil {
		t.Fatalf("Execute() unexpected error: %v", err)
	}
	got := out.(map[string]any)
	if got["sky"] != "clear" {
		t.Errorf("Execute() sky = %v, want %q", got["sky"], "clear")
	}
}

func TestDefineErased_NilSchemaAcceptsAnyObject(t *testing.T) {
	r := newTestRegistry(t)

	err := defineErased(r, "anything", "Takes whatever.", nil, func(_ context.Context, input any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("defineErased() unexpected error: %v", err)
	}

	if err := r.Validate("anything", map[string]any{"free": "form"}); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("tool_%d", i)
			err := Define(r, name, "Concurrent registration.", func(_ context.Context, in echoInput) (echoOutput, error) {
				return echoOutput{Reply: in.Message}, nil
			})
			if err != nil {
				t.Errorf("Define(%s) unexpected error: %v", name, err)
			}
			_ = r.Refs()
			_ = r.Names()
		}()
	}
	wg.Wait()

	if got := r.Count(); got != 10 {
		t.Errorf("Count() = %d, want 10", got)
	}
}
