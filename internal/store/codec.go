package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-assess/internal/model"
)

// row is the column set shared by the SQL stores.
type row struct {
	id        string
	subject   []byte
	pipeline  []byte
	state     string
	tasks     []byte
	result    []byte
	deadline  time.Time
	createdAt time.Time
	updatedAt time.Time
}

func encodeJob(subject model.Subject, pipeline []model.TaskKind) (subjectJSON, pipelineJSON, tasksJSON []byte, err error) {
	subjectJSON, err = json.Marshal(subject)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "marshal subject")
	}
	if pipeline == nil {
		pipeline = []model.TaskKind{}
	}
	pipelineJSON, err = json.Marshal(pipeline)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "marshal pipeline")
	}
	tasksJSON, err = encodeTasks(pendingTasks(pipeline))
	if err != nil {
		return nil, nil, nil, err
	}
	return subjectJSON, pipelineJSON, tasksJSON, nil
}

// pendingTasks is the per-kind view of a job that has not started.
func pendingTasks(pipeline []model.TaskKind) []model.KindStatus {
	out := make([]model.KindStatus, 0, len(pipeline))
	for _, k := range pipeline {
		out = append(out, model.KindStatus{Kind: k, State: model.OutcomeNotStarted})
	}
	return out
}

func encodeTasks(tasks []model.KindStatus) ([]byte, error) {
	if tasks == nil {
		tasks = []model.KindStatus{}
	}
	b, err := json.Marshal(tasks)
	return b, eris.Wrap(err, "marshal tasks")
}

func (r *row) decode() (*model.JobStatus, error) {
	js := &model.JobStatus{
		JobID:     r.id,
		State:     model.LifecycleState(r.state),
		Deadline:  r.deadline,
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
	}
	if err := json.Unmarshal(r.subject, &js.Subject); err != nil {
		return nil, eris.Wrap(err, "unmarshal subject")
	}
	if err := json.Unmarshal(r.pipeline, &js.Pipeline); err != nil {
		return nil, eris.Wrap(err, "unmarshal pipeline")
	}
	if len(r.tasks) > 0 {
		if err := json.Unmarshal(r.tasks, &js.Tasks); err != nil {
			return nil, eris.Wrap(err, "unmarshal tasks")
		}
	}
	if len(r.result) > 0 {
		var result model.AggregateResult
		if err := json.Unmarshal(r.result, &result); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
		js.Result = &result
	}
	return js, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRow(s scannable) (*row, error) {
	var r row
	err := s.Scan(&r.id, &r.subject, &r.pipeline, &r.state, &r.tasks, &r.result,
		&r.deadline, &r.createdAt, &r.updatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func encodeResult(result *model.AggregateResult) ([]byte, error) {
	if result == nil {
		return nil, eris.New("nil result")
	}
	b, err := json.Marshal(result)
	return b, eris.Wrap(err, "marshal result")
}
