package ansible

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/engine"
)

// CategoryAnsibleTask tags callback nodes of tasks inside roles and
// tasklists.
const CategoryAnsibleTask = "ansible-task"

// playbookOutput is the document printed by the json stdout callback.
type playbookOutput struct {
	Plays []struct {
		Tasks []struct {
			Task struct {
				Name string `json:"name"`
			} `json:"task"`
			Hosts map[string]map[string]interface{} `json:"hosts"`
		} `json:"tasks"`
	} `json:"plays"`
	Stats map[string]hostStats `json:"stats"`
}

type hostStats struct {
	Changed     int `json:"changed"`
	Failures    int `json:"failures"`
	Ok          int `json:"ok"`
	Skipped     int `json:"skipped"`
	Unreachable int `json:"unreachable"`
}

// taskResult is the outcome of one ansible task on one host.
type taskResult struct {
	name    string
	taskID  int
	host    string
	changed bool
	failed  bool
	skipped bool
	msg     string
	result  map[string]interface{}
}

func parseOutput(stdout []byte) (*playbookOutput, error) {
	start := bytes.IndexByte(stdout, '{')
	if start < 0 {
		return nil, fmt.Errorf("no json document in ansible-playbook output")
	}
	var out playbookOutput
	if err := json.Unmarshal(stdout[start:], &out); err != nil {
		return nil, fmt.Errorf("cannot decode ansible-playbook output: %w", err)
	}
	return &out, nil
}

// results flattens the output into task results in execution order. Tasks
// without an id marker run inside the role or tasklist of the last marked
// task and carry its id.
func (o *playbookOutput) results() []taskResult {
	var out []taskResult
	current := 0
	for _, play := range o.Plays {
		for _, task := range play.Tasks {
			id := 0
			if m := taskIDMarker.FindStringSubmatch(task.Task.Name); m != nil {
				id, _ = strconv.Atoi(m[1])
				current = id
			}
			hosts := make([]string, 0, len(task.Hosts))
			for h := range task.Hosts {
				hosts = append(hosts, h)
			}
			sort.Strings(hosts)
			for _, h := range hosts {
				res := task.Hosts[h]
				r := taskResult{
					name:    strings.TrimSpace(taskIDMarker.ReplaceAllString(task.Task.Name, "")),
					taskID:  current,
					host:    h,
					changed: truthy(res["changed"]),
					failed:  truthy(res["failed"]) || truthy(res["unreachable"]),
					skipped: truthy(res["skipped"]),
					msg:     stringOf(res["msg"]),
					result:  cleanResult(res),
				}
				if id == 0 {
					r.taskID = -current
				}
				out = append(out, r)
			}
		}
	}
	return out
}

// unreachable returns the hosts ansible could not connect to.
func (o *playbookOutput) unreachable() []string {
	var hosts []string
	for h, s := range o.Stats {
		if s.Unreachable > 0 {
			hosts = append(hosts, h)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// reporter maps task results onto callback nodes.
type reporter struct {
	parent   *callback.Task
	tasks    map[int]*engine.Task
	nodes    map[int]*callback.Task
	own      map[int]*taskResult
	order    []int
	redactor *callback.Redactor
}

func newReporter(parent *callback.Task, tasks []*engine.Task) *reporter {
	r := &reporter{
		parent: parent,
		tasks:  make(map[int]*engine.Task, len(tasks)),
		nodes:  map[int]*callback.Task{},
		own:    map[int]*taskResult{},
	}
	if parent.Manager() != nil {
		r.redactor = parent.Manager().Redactor()
	}
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return r
}

func (r *reporter) redact(s string) string {
	if r.redactor == nil {
		return s
	}
	return r.redactor.Redact(s)
}

// add reports a result. Results of nested ansible tasks (negative ids)
// become subtasks of their frecklet task.
func (r *reporter) add(res taskResult) {
	id := res.taskID
	nested := id < 0
	if nested {
		id = -id
	}
	node := r.node(id)
	if node == nil {
		return
	}
	if !nested {
		copied := res
		r.own[id] = &copied
		return
	}

	sub := node.AddSubtask(res.name, CategoryAnsibleTask)
	sub.SetMeta("host", res.host)
	sub.SetResult(res.result)
	errMsg := ""
	if res.failed {
		errMsg = r.redact(res.msg)
	}
	sub.Finish(!res.failed, res.changed, res.skipped, "", errMsg)
}

func (r *reporter) node(id int) *callback.Task {
	if n, ok := r.nodes[id]; ok {
		return n
	}
	t, ok := r.tasks[id]
	if !ok {
		return nil
	}
	n := t.StartCallback(r.parent)
	r.nodes[id] = n
	r.order = append(r.order, id)
	return n
}

// finish closes every reported node and returns the ids of failed tasks
// that do not ignore errors.
func (r *reporter) finish() []int {
	var failed []int
	for _, id := range r.order {
		node := r.nodes[id]
		own := r.own[id]
		if own == nil {
			node.FinishFromChildren("")
		} else {
			node.SetResult(own.result)
			errMsg := ""
			if own.failed {
				errMsg = r.redact(own.msg)
			}
			skipped := own.skipped && len(node.Children()) == 0
			node.Finish(!own.failed, own.changed, skipped, "", errMsg)
		}
		if !node.Success() && !r.tasks[id].IgnoreErrors() {
			failed = append(failed, id)
		}
	}
	return failed
}

// cleanResult drops the callback's internal keys.
func cleanResult(res map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(res))
	for k, v := range res {
		if strings.HasPrefix(k, "_ansible") || k == "invocation" {
			continue
		}
		out[k] = v
	}
	return out
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}
