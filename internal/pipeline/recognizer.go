package pipeline

import (
	"sort"
	"sync"

	"github.com/tracer-cloud/tracer-agent/internal/target"
)

// ScoreThreshold is the design threshold from spec §4.4 step 5: a task must
// exceed this fraction of its rule set covered by distinct pids before it is
// reported at all.
const ScoreThreshold = 0.9

// TaskMatch is the emitted match record (spec §3 "TaskMatch", §6).
type TaskMatch struct {
	ID          string
	Description string
	PIDs        []int
	Score       float64
	// Terminal is true once Score reached 1.0 — the task's full rule set has
	// been observed and it will never be updated again (spec §4.4 step 6).
	Terminal bool
}

// ruleTarget is one (task_id, specialization) entry indexed under a rule
// name, mirroring original_source's rule_to_task: HashMap<String,
// HashSet<(String, Option<MatchType>)>> (pipeline_manager.rs).
type ruleTarget struct {
	taskID         string
	specialization *target.MatchType
	isOptional     bool
}

type taskDef struct {
	id          string
	description string
	required    int // len(Rules) + len(SpecializedRules)
	optional    int // len(OptionalRules) + len(OptionalSpecializedRules)
}

// Recognizer is the Task Recognizer (spec §4.4). The zero value is not
// usable; construct with NewRecognizer.
type Recognizer struct {
	mu sync.Mutex

	ruleToTargets map[string][]ruleTarget
	tasks         map[string]taskDef

	// taskPIDs is the bi-indexed multimap task_id -> set<pid> (spec §4.4
	// step 4 "bi-indexed multimap").
	taskPIDs map[string]map[int]struct{}
	// pidTasks is the reverse index, used for step 6(b) "remove all its
	// pids from other tasks' candidacy".
	pidTasks map[int]map[string]struct{}

	registeredPIDs map[int]struct{}
	matchedTasks   map[string]struct{}
}

// NewRecognizer walks spec (every pipeline's steps, subworkflows, and
// and/or composites) and builds the rule_to_tasks index (spec §4.4
// "Construction"). Grounded on
// TargetPipelineManager::add_steps/add_task/add_subworkflow.
func NewRecognizer(spec *Spec) *Recognizer {
	r := &Recognizer{
		ruleToTargets:  map[string][]ruleTarget{},
		tasks:          map[string]taskDef{},
		taskPIDs:       map[string]map[int]struct{}{},
		pidTasks:       map[int]map[string]struct{}{},
		registeredPIDs: map[int]struct{}{},
		matchedTasks:   map[string]struct{}{},
	}
	for _, p := range spec.Pipelines {
		r.addSteps(p.Tasks, p.Subworkflows, p.Steps, false)
		r.addSteps(p.Tasks, p.Subworkflows, p.OptionalSteps, true)
	}
	return r
}

func (r *Recognizer) addSteps(tasks map[string]Task, subworkflows map[string]Subworkflow, steps []Step, inheritedOptional bool) {
	for _, step := range steps {
		r.addStep(tasks, subworkflows, step, inheritedOptional)
	}
}

func (r *Recognizer) addStep(tasks map[string]Task, subworkflows map[string]Subworkflow, step Step, inheritedOptional bool) {
	switch {
	case step.Task != "":
		r.addTask(tasks, step.Task, inheritedOptional)
	case step.OptionalTask != "":
		r.addTask(tasks, step.OptionalTask, true)
	case step.Subworkflow != "":
		r.addSubworkflow(tasks, subworkflows, step.Subworkflow, inheritedOptional)
	case step.OptionalSubworkflow != "":
		r.addSubworkflow(tasks, subworkflows, step.OptionalSubworkflow, true)
	case len(step.And) > 0:
		r.addSteps(tasks, subworkflows, step.And, inheritedOptional)
	case len(step.Or) > 0:
		r.addSteps(tasks, subworkflows, step.Or, inheritedOptional)
	}
}

func (r *Recognizer) addSubworkflow(tasks map[string]Task, subworkflows map[string]Subworkflow, id string, inheritedOptional bool) {
	sw, ok := subworkflows[id]
	if !ok {
		return
	}
	r.addSteps(tasks, subworkflows, sw.Steps, inheritedOptional)
	r.addSteps(tasks, subworkflows, sw.OptionalSteps, true)
}

func (r *Recognizer) addTask(tasks map[string]Task, id string, isOptional bool) {
	t, ok := tasks[id]
	if !ok {
		return
	}
	if _, exists := r.tasks[id]; !exists {
		r.tasks[id] = taskDef{
			id:          id,
			description: t.Description,
			required:    len(t.Rules) + len(t.SpecializedRules),
			optional:    len(t.OptionalRules) + len(t.OptionalSpecializedRules),
		}
	}

	for _, name := range t.Rules {
		r.index(name, ruleTarget{taskID: id, isOptional: isOptional})
	}
	for _, name := range t.OptionalRules {
		r.index(name, ruleTarget{taskID: id, isOptional: true})
	}
	for _, sr := range t.SpecializedRules {
		cond := sr.Condition
		r.index(sr.Name, ruleTarget{taskID: id, specialization: &cond, isOptional: isOptional})
	}
	for _, sr := range t.OptionalSpecializedRules {
		cond := sr.Condition
		r.index(sr.Name, ruleTarget{taskID: id, specialization: &cond, isOptional: true})
	}
}

func (r *Recognizer) index(ruleName string, rt ruleTarget) {
	r.ruleToTargets[ruleName] = append(r.ruleToTargets[ruleName], rt)
}

// Register implements spec §4.4 "register(process, matched_rule_name?) →
// Option<TaskMatch>". matchedRuleName is the Target Matcher's display name
// for process, or empty when it matched only via fallback to the comm name
// (spec §4.4 step 2).
func (r *Recognizer) Register(process target.Process, matchedRuleName string) (*TaskMatch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.registeredPIDs[process.PID]; seen {
		return nil, false
	}
	r.registeredPIDs[process.PID] = struct{}{}

	key := matchedRuleName
	if key == "" {
		key = process.Comm
	}

	touched := map[string]struct{}{}
	for _, rt := range r.ruleToTargets[key] {
		if _, done := r.matchedTasks[rt.taskID]; done {
			continue
		}
		if rt.specialization != nil && !rt.specialization.Matches(process) {
			continue
		}
		r.associate(rt.taskID, process.PID)
		touched[rt.taskID] = struct{}{}
	}
	if len(touched) == 0 {
		return nil, false
	}

	var candidates []TaskMatch
	for id := range touched {
		def := r.tasks[id]
		denom := def.required + def.optional
		if denom == 0 {
			continue
		}
		score := float64(len(r.taskPIDs[id])) / float64(denom)
		if score <= ScoreThreshold {
			continue
		}
		candidates = append(candidates, TaskMatch{
			ID:          id,
			Description: def.description,
			PIDs:        pidSlice(r.taskPIDs[id]),
			Score:       score,
		})
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score < candidates[j].Score })
	best := candidates[len(candidates)-1]

	if best.Score >= 1.0 {
		best.Terminal = true
		r.finalize(best.ID)
	}
	return &best, true
}

// associate records (taskID, pid) in the bi-indexed multimap (spec §4.4
// step 4).
func (r *Recognizer) associate(taskID string, pid int) {
	if r.taskPIDs[taskID] == nil {
		r.taskPIDs[taskID] = map[int]struct{}{}
	}
	r.taskPIDs[taskID][pid] = struct{}{}

	if r.pidTasks[pid] == nil {
		r.pidTasks[pid] = map[string]struct{}{}
	}
	r.pidTasks[pid][taskID] = struct{}{}
}

// finalize implements spec §4.4 step 6(a-c): remove the task from the
// multimap, strip its pids from every other candidate task, and record it
// as terminally matched.
func (r *Recognizer) finalize(taskID string) {
	pids := r.taskPIDs[taskID]
	delete(r.taskPIDs, taskID)
	r.matchedTasks[taskID] = struct{}{}

	for pid := range pids {
		for other := range r.pidTasks[pid] {
			if other == taskID {
				continue
			}
			if set, ok := r.taskPIDs[other]; ok {
				delete(set, pid)
			}
		}
		delete(r.pidTasks, pid)
	}
}

// MatchedTaskIDs returns the ids of every task that has reached terminal
// (score ≥ 1.0) status, for the info RPC endpoint (spec §4.3
// "get_matched_tasks").
func (r *Recognizer) MatchedTaskIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.matchedTasks))
	for id := range r.matchedTasks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func pidSlice(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for pid := range set {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}
