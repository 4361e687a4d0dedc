package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/ferr"
)

var greetDocs = map[string]string{
	"greet": `
args:
  name:
    type: string
    required: true
frecklets:
  - frecklet:
      name: echo
    vars:
      message: "hello {{:: name ::}}"
`,
	"echo": `
args:
  message:
    type: string
frecklets:
  - frecklet:
      name: echo
      type: shell-command
      register: greeting
    task:
      command: echo
    vars:
      message: "{{:: message ::}}"
`,
}

func TestRunPassThrough(t *testing.T) {
	adapter := newMockAdapter("shell", "shell-command")
	e := newTestEngine(t, newMockLookup(t, greetDocs), adapter)

	fx, err := e.Load("greet")
	if err != nil {
		t.Fatalf("Expected greet to load, got: %v", err)
	}
	result, err := fx.Run(context.Background(), NewInventory(map[string]interface{}{"name": "world"}), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(result.Tasks) != 1 {
		t.Fatalf("Expected 1 task, got %d", len(result.Tasks))
	}
	task := result.Tasks[0]
	if !reflect.DeepEqual(task.Vars, map[string]interface{}{"message": "hello world"}) {
		t.Errorf("Expected vars {message: hello world}, got: %v", task.Vars)
	}
	if task.Path != "greet/echo/echo" {
		t.Errorf("Expected path greet/echo/echo, got: %s", task.Path)
	}
	if task.ID != 2 {
		t.Errorf("Expected task id 2, got: %d", task.ID)
	}

	root := result.Root
	if !root.Finished() || !root.Success() || !root.Changed() || root.Skipped() {
		t.Errorf("Expected root success=true changed=true skipped=false, got success=%v changed=%v skipped=%v",
			root.Success(), root.Changed(), root.Skipped())
	}
	if !result.Success() {
		t.Error("Expected run to succeed")
	}

	if len(result.Records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(result.Records))
	}
	rec := result.Records[0]
	if rec.Status != RunStatusSucceeded {
		t.Errorf("Expected status succeeded, got: %s", rec.Status)
	}
	if _, err := os.Stat(filepath.Join(rec.Env.Dir, RunLogFile)); err != nil {
		t.Errorf("Expected run log in run directory, got: %v", err)
	}

	greeting, ok := result.Result["greeting"].(map[string]interface{})
	if !ok || greeting["task"] != "echo" {
		t.Errorf("Expected registered greeting result, got: %v", result.Result)
	}

	entries, err := ReadRunsLog(e.opts.Envs.RunsLogPath())
	if err != nil {
		t.Fatalf("Expected runs.log to parse, got: %v", err)
	}
	if len(entries) != 2 || entries[0].State != LogStateStarted || entries[1].State != LogStateFinished {
		t.Errorf("Expected started and finished rows, got: %+v", entries)
	}
}

func TestRunSkipPropagation(t *testing.T) {
	docs := map[string]string{
		"maybe": `
args:
  dry:
    type: boolean
    required: false
    default: false
frecklets:
  - frecklet:
      name: install-pkg
      skip: "{{:: dry ::}}"
    vars:
      pkg: nginx
`,
		"install-pkg": `
args:
  pkg:
    type: string
frecklets:
  - frecklet: {name: update-cache, type: shell-command}
  - frecklet: {name: install, type: shell-command}
    vars: {pkg: "{{:: pkg ::}}"}
  - frecklet: {name: verify, type: shell-command}
    vars: {pkg: "{{:: pkg ::}}"}
`,
	}

	tests := []struct {
		name      string
		dry       bool
		wantTasks int
		wantSkip  bool
	}{
		{name: "dry run skips subtree", dry: true, wantTasks: 0, wantSkip: true},
		{name: "real run emits leaves", dry: false, wantTasks: 3, wantSkip: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter("shell", "shell-command")
			e := newTestEngine(t, newMockLookup(t, docs), adapter)
			fx, err := e.Load("maybe")
			if err != nil {
				t.Fatalf("Expected maybe to load, got: %v", err)
			}

			result, err := fx.Run(context.Background(), NewInventory(map[string]interface{}{"dry": tt.dry}), nil)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if len(result.Tasks) != tt.wantTasks {
				t.Errorf("Expected %d tasks, got %d", tt.wantTasks, len(result.Tasks))
			}
			if !result.Root.Success() {
				t.Error("Expected root success")
			}
			if result.Root.Skipped() != tt.wantSkip {
				t.Errorf("Expected root skipped=%v, got: %v", tt.wantSkip, result.Root.Skipped())
			}
			if tt.dry && len(adapter.runs()) != 0 {
				t.Errorf("Expected adapter not to run, got %d runs", len(adapter.runs()))
			}
		})
	}
}

func TestCompileDeduplicatesIdempotentTasks(t *testing.T) {
	tests := []struct {
		name       string
		idempotent string
		want       int
	}{
		{name: "idempotent collapse", idempotent: "true", want: 1},
		{name: "non idempotent kept", idempotent: "false", want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := `
  - frecklet: {name: ensure-dir, type: shell-command, idempotent: ` + tt.idempotent + `}
    vars: {path: /tmp/x}`
			docs := map[string]string{"setup": "frecklets:" + entry + entry + entry + "\n"}
			e := newTestEngine(t, newMockLookup(t, docs), newMockAdapter("shell", "shell-command"))
			fx, err := e.Load("setup")
			if err != nil {
				t.Fatalf("Expected setup to load, got: %v", err)
			}

			tasks, err := fx.Compile(NewInventory(nil))
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if len(tasks) != tt.want {
				t.Fatalf("Expected %d tasks, got %d", tt.want, len(tasks))
			}
			if tasks[0].ID != 1 {
				t.Errorf("Expected first occurrence to be kept, got task id %d", tasks[0].ID)
			}
		})
	}
}

func TestRunRedactsSecrets(t *testing.T) {
	docs := map[string]string{
		"login": `
args:
  pw:
    type: password
frecklets:
  - frecklet: {name: call-api, type: shell-command}
    vars:
      api_token: "Bearer {{:: pw ::}}"
`,
	}

	adapter := newMockAdapter("shell", "shell-command")
	adapter.failMessage = "request with Bearer s3cret rejected"
	adapter.failTasks[1] = true

	var buf bytes.Buffer
	redactor := callback.NewRedactor()
	e := newTestEngineWith(t, newMockLookup(t, docs), func(o *Options) {
		o.Redactor = redactor
		o.Sinks = []callback.Sink{callback.NewJSONSink(&buf, redactor)}
	}, adapter)

	fx, err := e.Load("login")
	if err != nil {
		t.Fatalf("Expected login to load, got: %v", err)
	}
	result, err := fx.Run(context.Background(), NewInventory(map[string]interface{}{"pw": "s3cret"}), nil)
	if err != nil {
		t.Fatalf("Expected no adapter error, got: %v", err)
	}

	if result.Secrets["pw"] != "s3cret" {
		t.Errorf("Expected run secrets to hold pw, got: %v", result.Secrets)
	}
	task := result.Tasks[0]
	if !reflect.DeepEqual(task.SecretKeys, []string{"api_token"}) {
		t.Errorf("Expected secret keys [api_token], got: %v", task.SecretKeys)
	}
	redacted := task.Redacted(redactor)
	vars := redacted["vars"].(map[string]interface{})
	if vars["api_token"] != callback.SecretPlaceholder {
		t.Errorf("Expected api_token to be redacted, got: %v", vars["api_token"])
	}

	runs := adapter.runs()
	if len(runs) != 1 || runs[0].Secrets["pw"] != "s3cret" {
		t.Errorf("Expected adapter to receive secrets, got: %v", runs)
	}

	if strings.Contains(buf.String(), "s3cret") {
		t.Errorf("Expected callback output without secrets, got: %s", buf.String())
	}
	data, err := json.Marshal(result.Records[0])
	if err != nil {
		t.Fatalf("Expected record to marshal, got: %v", err)
	}
	if strings.Contains(string(data), "s3cret") {
		t.Errorf("Expected record without secrets, got: %s", data)
	}
	logData, err := os.ReadFile(result.Records[0].Env.RunLog)
	if err != nil {
		t.Fatalf("Expected run log, got: %v", err)
	}
	if strings.Contains(string(logData), "s3cret") {
		t.Errorf("Expected run log without secrets, got: %s", logData)
	}
	if result.Success() {
		t.Error("Expected failed task to fail the run")
	}
}

func TestRunEmptyFrecklet(t *testing.T) {
	adapter := newMockAdapter("shell", "shell-command")
	e := newTestEngine(t, newMockLookup(t, map[string]string{"nothing": "frecklets: []\n"}), adapter)

	fx, err := e.Load("nothing")
	if err != nil {
		t.Fatalf("Expected nothing to load, got: %v", err)
	}
	result, err := fx.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(result.Tasks) != 0 || len(result.Records) != 0 {
		t.Errorf("Expected no tasks and no records, got %d tasks and %d records", len(result.Tasks), len(result.Records))
	}
	if len(adapter.runs()) != 0 {
		t.Errorf("Expected adapter not to run, got %d runs", len(adapter.runs()))
	}
	if !result.Success() {
		t.Error("Expected empty run to succeed")
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	e := newTestEngine(t, newMockLookup(t, greetDocs), newMockAdapter("shell", "shell-command"))
	fx, err := e.Load("greet")
	if err != nil {
		t.Fatalf("Expected greet to load, got: %v", err)
	}

	var outputs []string
	for i := 0; i < 3; i++ {
		tasks, err := fx.Compile(NewInventory(map[string]interface{}{"name": "world"}))
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		data, err := json.Marshal(tasks)
		if err != nil {
			t.Fatalf("Expected tasks to marshal, got: %v", err)
		}
		outputs = append(outputs, string(data))
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i] != outputs[0] {
			t.Errorf("Expected identical compile output, got:\n%s\n%s", outputs[0], outputs[i])
		}
	}
}

func TestCompileValidationCollectsAllKeys(t *testing.T) {
	docs := map[string]string{
		"connect": `
args:
  port:
    type: integer
  host:
    type: string
frecklets:
  - frecklet: {name: connect, type: shell-command}
    vars:
      port: "{{:: port ::}}"
      host: "{{:: host ::}}"
`,
	}
	e := newTestEngine(t, newMockLookup(t, docs), newMockAdapter("shell", "shell-command"))
	fx, err := e.Load("connect")
	if err != nil {
		t.Fatalf("Expected connect to load, got: %v", err)
	}

	_, err = fx.Compile(NewInventory(map[string]interface{}{"port": "not-a-number"}))
	if !ferr.IsVarValidation(err) {
		t.Fatalf("Expected VarValidation error, got: %v", err)
	}
	var fe *ferr.Error
	if !errors.As(err, &fe) {
		t.Fatalf("Expected ferr.Error, got: %T", err)
	}
	if !reflect.DeepEqual(fe.Keys, []string{"host", "port"}) {
		t.Errorf("Expected keys [host port], got: %v", fe.Keys)
	}
}

func TestCompileRenderErrorsInSkippedSubtree(t *testing.T) {
	docs := map[string]string{
		"wrapper": `
args:
  p:
    type: string
  off:
    type: boolean
    required: false
    default: false
frecklets:
  - frecklet:
      name: typed
      skip: "{{:: off ::}}"
    vars:
      port: "{{:: p ::}}"
`,
		"typed": `
args:
  port:
    type: integer
frecklets:
  - frecklet: {name: listen, type: shell-command}
    vars: {port: "{{:: port ::}}"}
`,
	}
	e := newTestEngine(t, newMockLookup(t, docs), newMockAdapter("shell", "shell-command"))
	fx, err := e.Load("wrapper")
	if err != nil {
		t.Fatalf("Expected wrapper to load, got: %v", err)
	}

	_, err = fx.Compile(NewInventory(map[string]interface{}{"p": "abc", "off": false}))
	if !ferr.IsRender(err) {
		t.Fatalf("Expected render error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "wrapper/typed") {
		t.Errorf("Expected error to name the frecklet path, got: %v", err)
	}

	tasks, err := fx.Compile(NewInventory(map[string]interface{}{"p": "abc", "off": true}))
	if err != nil {
		t.Fatalf("Expected errors in skipped subtree to be dropped, got: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("Expected no tasks, got %d", len(tasks))
	}
}

func TestCompileTargetAndBecomeInheritance(t *testing.T) {
	docs := map[string]string{
		"deploy": `
args:
  host:
    type: string
frecklets:
  - frecklet:
      name: remote-setup
      target: "admin@{{:: host ::}}"
    task:
      become: true
  - frecklet: {name: local-step, type: shell-command}
`,
		"remote-setup": `
frecklets:
  - frecklet: {name: remote-step, type: shell-command}
  - frecklet: {name: other-host, type: shell-command, target: "backup.example.com"}
`,
	}
	e := newTestEngine(t, newMockLookup(t, docs), newMockAdapter("shell", "shell-command"))
	fx, err := e.Load("deploy")
	if err != nil {
		t.Fatalf("Expected deploy to load, got: %v", err)
	}
	tasks, err := fx.Compile(NewInventory(map[string]interface{}{"host": "example.com"}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tests := []struct {
		name   string
		target string
		become bool
	}{
		{name: "remote-step", target: "admin@example.com", become: true},
		{name: "other-host", target: "backup.example.com", become: true},
		{name: "local-step", target: "", become: false},
	}
	if len(tasks) != len(tests) {
		t.Fatalf("Expected %d tasks, got %d", len(tests), len(tasks))
	}
	for i, tt := range tests {
		if tasks[i].Name() != tt.name {
			t.Errorf("Expected task %d to be %s, got: %s", i, tt.name, tasks[i].Name())
		}
		if tasks[i].Target != tt.target {
			t.Errorf("Expected %s target %q, got: %q", tt.name, tt.target, tasks[i].Target)
		}
		if tasks[i].Become != tt.become {
			t.Errorf("Expected %s become=%v, got: %v", tt.name, tt.become, tasks[i].Become)
		}
	}
}

var askDocs = map[string]string{
	"secure": `
args:
  pw:
    type: password
    default: ask
frecklets:
  - frecklet: {name: use-pw, type: shell-command}
    vars:
      password: "{{:: pw ::}}"
`,
}

func TestRunAskWithoutTerminalFailsFast(t *testing.T) {
	prompter := &countingPrompter{answer: "hunter2"}
	resolver := NewSecretResolver(nil, zerolog.Nop())
	resolver.Prompter = prompter
	resolver.IsTerminal = func() bool { return false }

	adapter := newMockAdapter("shell", "shell-command")
	e := newTestEngineWith(t, newMockLookup(t, askDocs), func(o *Options) {
		o.Secrets = resolver
	}, adapter)
	fx, err := e.Load("secure")
	if err != nil {
		t.Fatalf("Expected secure to load, got: %v", err)
	}

	_, err = fx.Run(context.Background(), nil, nil)
	if !ferr.IsConfig(err) {
		t.Fatalf("Expected config error, got: %v", err)
	}
	if prompter.calls != 0 {
		t.Errorf("Expected no prompt, got %d", prompter.calls)
	}
	if len(adapter.runs()) != 0 {
		t.Errorf("Expected adapter not to run, got %d runs", len(adapter.runs()))
	}
}

func TestRunAskPromptsOnce(t *testing.T) {
	prompter := &countingPrompter{answer: "hunter2"}
	resolver := NewSecretResolver(nil, zerolog.Nop())
	resolver.Prompter = prompter
	resolver.IsTerminal = func() bool { return true }

	adapter := newMockAdapter("shell", "shell-command")
	e := newTestEngineWith(t, newMockLookup(t, askDocs), func(o *Options) {
		o.Secrets = resolver
	}, adapter)
	fx, err := e.Load("secure")
	if err != nil {
		t.Fatalf("Expected secure to load, got: %v", err)
	}

	result, err := fx.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if prompter.calls != 1 {
		t.Errorf("Expected 1 prompt, got %d", prompter.calls)
	}
	if got := result.Tasks[0].Vars["password"]; got != "hunter2" {
		t.Errorf("Expected prompted password in task vars, got: %v", got)
	}
	if result.Secrets["pw"] != "hunter2" {
		t.Errorf("Expected prompted password in run secrets, got: %v", result.Secrets)
	}
}

func TestRunNoRun(t *testing.T) {
	adapter := newMockAdapter("shell", "shell-command")
	e := newTestEngine(t, newMockLookup(t, greetDocs), adapter)
	fx, err := e.Load("greet")
	if err != nil {
		t.Fatalf("Expected greet to load, got: %v", err)
	}

	rc := DefaultRunConfig()
	rc.NoRun = true
	result, err := fx.Run(context.Background(), NewInventory(map[string]interface{}{"name": "world"}), rc)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].Status != RunStatusNotRun {
		t.Errorf("Expected one not_run record, got: %+v", result.Records)
	}
	if len(adapter.runs()) != 0 {
		t.Errorf("Expected adapter not to run, got %d runs", len(adapter.runs()))
	}
}

func TestRunUnsupportedTaskType(t *testing.T) {
	docs := map[string]string{
		"odd": `
frecklets:
  - frecklet: {name: thing, type: unknown-type}
`,
	}
	adapter := newMockAdapter("shell", "shell-command")
	e := newTestEngine(t, newMockLookup(t, docs), adapter)
	fx, err := e.Load("odd")
	if err != nil {
		t.Fatalf("Expected odd to load, got: %v", err)
	}
	_, err = fx.Run(context.Background(), nil, nil)
	if !ferr.IsBuild(err) {
		t.Fatalf("Expected build error, got: %v", err)
	}
	if len(adapter.runs()) != 0 {
		t.Errorf("Expected adapter not to run, got %d runs", len(adapter.runs()))
	}
}

func TestRunChildAttachesToParent(t *testing.T) {
	adapter := newMockAdapter("shell", "shell-command")
	e := newTestEngine(t, newMockLookup(t, greetDocs), adapter)

	parent := callback.NewManager(nil).NewRoot("outer", callback.CategoryRun)
	result, err := e.RunChild(context.Background(), "greet", map[string]interface{}{"name": "nested"}, nil, parent)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(parent.Children()) != 1 || parent.Children()[0] != result.Root {
		t.Errorf("Expected child run root under the parent task")
	}
	if got := result.Tasks[0].Vars["message"]; got != "hello nested" {
		t.Errorf("Expected message 'hello nested', got: %v", got)
	}
	if _, ok := result.Result["greeting"]; !ok {
		t.Errorf("Expected registered result of the child run, got: %v", result.Result)
	}
}

func TestRunChildKeepsParentResults(t *testing.T) {
	docs := map[string]string{
		"outer": `
frecklets:
  - frecklet: {name: a, type: shell-command}
  - frecklet: {name: b, type: shell-command, register: b_val}
  - frecklet: {name: inner, type: nested-run}
`,
	}
	for name, doc := range greetDocs {
		docs[name] = doc
	}

	var (
		e     *Engine
		inner *RunResult
	)
	nested := newMockAdapter("nested", "nested-run")
	nested.onRun = func(ctx context.Context, req *RunRequest) error {
		var err error
		inner, err = e.RunChild(ctx, "greet", map[string]interface{}{"name": "inner"}, nil, req.Parent)
		return err
	}
	e = newTestEngine(t, newMockLookup(t, docs), newMockAdapter("shell", "shell-command"), nested)

	fx, err := e.Load("outer")
	if err != nil {
		t.Fatalf("Expected outer to load, got: %v", err)
	}
	result, err := fx.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := map[string]interface{}{"b_val": map[string]interface{}{"task": "b"}}
	if !reflect.DeepEqual(result.Result, expected) {
		t.Errorf("Expected %v, got: %v", expected, result.Result)
	}
	if inner == nil {
		t.Fatal("Expected the child run to have run")
	}
	if greeting, ok := inner.Result["greeting"].(map[string]interface{}); !ok || greeting["task"] != "echo" {
		t.Errorf("Expected the child run to keep its own result, got: %v", inner.Result)
	}
}
