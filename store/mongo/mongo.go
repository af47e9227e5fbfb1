// Package mongo provides a MongoDB implementation of the flow store.
//
// Engine transactions map to MongoDB multi-document transactions, so the
// backing deployment must be a replica set. Each record type lives in its
// own collection: workflow_executions, task_executions, scheduled_calls
// and actions.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/flow/engine/states"
	"goa.design/flow/spec"
	"goa.design/flow/store"
)

const clientName = "flow-mongo"

// Options configures the Mongo store.
type Options struct {
	// Client is a connected MongoDB client. Required.
	Client *mongodriver.Client
	// Database names the database holding the flow collections. Required.
	Database string
	// Timeout bounds individual operations. Zero uses the default.
	Timeout time.Duration
}

// Store is a MongoDB implementation of store.Store.
type Store struct {
	client     *mongodriver.Client
	workflows  *mongodriver.Collection
	tasks      *mongodriver.Collection
	calls      *mongodriver.Collection
	actions    *mongodriver.Collection
	timeout    time.Duration
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

const defaultOpTimeout = 5 * time.Second

// New creates a Mongo store and ensures the indexes the engine relies on.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:    opts.Client,
		workflows: db.Collection("workflow_executions"),
		tasks:     db.Collection("task_executions"),
		calls:     db.Collection("scheduled_calls"),
		actions:   db.Collection("actions"),
		timeout:   timeout,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements goa.design/clue/health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements goa.design/clue/health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.tasks.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "workflow_execution_id", Value: 1}}},
		{Keys: bson.D{{Key: "action_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure task indexes: %w", err)
	}
	_, err = s.calls.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "execute_at", Value: 1}, {Key: "locked_until", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongodb ensure call index: %w", err)
	}
	return nil
}

// InTx runs fn inside a MongoDB multi-document transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongodb start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongodriver.SessionContext) (any, error) {
		return nil, fn(sessCtx, &tx{s: s})
	})
	return err
}

// ClaimDueCalls claims due calls one at a time with findOneAndUpdate so
// concurrent pollers never claim the same call.
func (s *Store) ClaimDueCalls(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*store.ScheduledCall, error) {
	claimed := make([]*store.ScheduledCall, 0)
	filter := bson.M{
		"execute_at":   bson.M{"$lte": now},
		"locked_until": bson.M{"$lt": now},
		"processed":    false,
	}
	update := bson.M{"$set": bson.M{"locked_until": now.Add(lease)}}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "execute_at", Value: 1}})
	for limit <= 0 || len(claimed) < limit {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		var doc callDocument
		err := s.calls.FindOneAndUpdate(opCtx, filter, update, opts).Decode(&doc)
		cancel()
		if err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				break
			}
			return nil, fmt.Errorf("mongodb claim due calls: %w", err)
		}
		call, err := doc.toCall()
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, call)
	}
	return claimed, nil
}

// tx routes Tx operations through the session-bound context carried by ctx.
type tx struct {
	s *Store
}

func (t *tx) CreateWorkflowExecution(ctx context.Context, ex *store.WorkflowExecution) error {
	doc, err := fromWorkflow(ex)
	if err != nil {
		return err
	}
	if _, err := t.s.workflows.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("mongodb create workflow execution: %w", err)
	}
	return nil
}

func (t *tx) GetWorkflowExecution(ctx context.Context, id string) (*store.WorkflowExecution, error) {
	var doc workflowDocument
	if err := t.s.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get workflow execution %q: %w", id, err)
	}
	return doc.toWorkflow()
}

func (t *tx) UpdateWorkflowExecution(ctx context.Context, ex *store.WorkflowExecution) error {
	doc, err := fromWorkflow(ex)
	if err != nil {
		return err
	}
	res, err := t.s.workflows.ReplaceOne(ctx, bson.M{"_id": ex.ID}, doc)
	if err != nil {
		return fmt.Errorf("mongodb update workflow execution %q: %w", ex.ID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) CreateTaskExecution(ctx context.Context, task *store.TaskExecution) error {
	doc, err := fromTask(task)
	if err != nil {
		return err
	}
	if _, err := t.s.tasks.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("mongodb create task execution: %w", err)
	}
	return nil
}

func (t *tx) GetTaskExecution(ctx context.Context, id string) (*store.TaskExecution, error) {
	var doc taskDocument
	if err := t.s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get task execution %q: %w", id, err)
	}
	return doc.toTask()
}

func (t *tx) GetTaskExecutionByActionID(ctx context.Context, actionID string) (*store.TaskExecution, error) {
	var doc taskDocument
	if err := t.s.tasks.FindOne(ctx, bson.M{"action_id": actionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get task execution by action %q: %w", actionID, err)
	}
	return doc.toTask()
}

func (t *tx) UpdateTaskExecution(ctx context.Context, task *store.TaskExecution) error {
	doc, err := fromTask(task)
	if err != nil {
		return err
	}
	res, err := t.s.tasks.ReplaceOne(ctx, bson.M{"_id": task.ID}, doc)
	if err != nil {
		return fmt.Errorf("mongodb update task execution %q: %w", task.ID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) ListTaskExecutions(ctx context.Context, filter store.TaskFilter) ([]*store.TaskExecution, error) {
	query := bson.M{}
	if filter.WorkflowExecutionID != "" {
		query["workflow_execution_id"] = filter.WorkflowExecutionID
	}
	cursor, err := t.s.tasks.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list task executions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []taskDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list task executions decode: %w", err)
	}
	result := make([]*store.TaskExecution, len(docs))
	for i := range docs {
		if result[i], err = docs[i].toTask(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (t *tx) CreateScheduledCall(ctx context.Context, call *store.ScheduledCall) error {
	doc, err := fromCall(call)
	if err != nil {
		return err
	}
	if _, err := t.s.calls.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("mongodb create scheduled call: %w", err)
	}
	return nil
}

func (t *tx) DeleteScheduledCall(ctx context.Context, id string) error {
	res, err := t.s.calls.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete scheduled call %q: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) CreateActionDefinition(ctx context.Context, def *store.ActionDefinition) error {
	if _, err := t.s.actions.InsertOne(ctx, fromAction(def)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("mongodb create action %q: %w", def.Name, err)
	}
	return nil
}

func (t *tx) GetActionDefinition(ctx context.Context, name string) (*store.ActionDefinition, error) {
	var doc actionDocument
	if err := t.s.actions.FindOne(ctx, bson.M{"_id": name}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get action %q: %w", name, err)
	}
	return doc.toAction(), nil
}

func (t *tx) UpsertActionDefinition(ctx context.Context, def *store.ActionDefinition) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := t.s.actions.ReplaceOne(ctx, bson.M{"_id": def.Name}, fromAction(def), opts); err != nil {
		return fmt.Errorf("mongodb upsert action %q: %w", def.Name, err)
	}
	return nil
}

func (t *tx) ListActionDefinitions(ctx context.Context) ([]*store.ActionDefinition, error) {
	cursor, err := t.s.actions.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list actions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []actionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list actions decode: %w", err)
	}
	result := make([]*store.ActionDefinition, len(docs))
	for i := range docs {
		result[i] = docs[i].toAction()
	}
	return result, nil
}

type (
	// workflowDocument is the MongoDB document shape of a WorkflowExecution.
	// JSON-typed fields (spec, input, output, context, start params) are
	// stored as raw JSON text so schemaless values survive BSON round trips
	// unchanged.
	workflowDocument struct {
		ID              string    `bson:"_id"`
		WorkflowName    string    `bson:"workflow_name"`
		Spec            []byte    `bson:"spec"`
		Input           []byte    `bson:"input,omitempty"`
		Output          []byte    `bson:"output,omitempty"`
		Context         []byte    `bson:"context,omitempty"`
		State           string    `bson:"state"`
		StateInfo       string    `bson:"state_info,omitempty"`
		StartParams     []byte    `bson:"start_params,omitempty"`
		TaskExecutionID string    `bson:"task_execution_id,omitempty"`
		CreatedAt       time.Time `bson:"created_at"`
		UpdatedAt       time.Time `bson:"updated_at"`
	}

	taskDocument struct {
		ID                  string     `bson:"_id"`
		Name                string     `bson:"name"`
		WorkflowExecutionID string     `bson:"workflow_execution_id"`
		InContext           []byte     `bson:"in_context,omitempty"`
		Input               []byte     `bson:"input,omitempty"`
		Result              []byte     `bson:"result,omitempty"`
		Published           []byte     `bson:"published,omitempty"`
		State               string     `bson:"state"`
		StateInfo           string     `bson:"state_info,omitempty"`
		RuntimeContext      []byte     `bson:"runtime_context,omitempty"`
		Processed           bool       `bson:"processed"`
		ActionID            string     `bson:"action_id,omitempty"`
		CompletedAt         *time.Time `bson:"completed_at,omitempty"`
		CreatedAt           time.Time  `bson:"created_at"`
		UpdatedAt           time.Time  `bson:"updated_at"`
	}

	callDocument struct {
		ID          string            `bson:"_id"`
		Target      string            `bson:"target,omitempty"`
		Method      string            `bson:"method"`
		ExecuteAt   time.Time         `bson:"execute_at"`
		Args        []byte            `bson:"args,omitempty"`
		Serializers map[string]string `bson:"serializers,omitempty"`
		LockedUntil time.Time         `bson:"locked_until"`
		Processed   bool              `bson:"processed"`
		CreatedAt   time.Time         `bson:"created_at"`
	}

	actionDocument struct {
		Name        string    `bson:"_id"`
		Description string    `bson:"description,omitempty"`
		Definition  string    `bson:"definition,omitempty"`
		Base        string    `bson:"base,omitempty"`
		Params      []string  `bson:"params,omitempty"`
		IsSystem    bool      `bson:"is_system"`
		CreatedAt   time.Time `bson:"created_at"`
		UpdatedAt   time.Time `bson:"updated_at"`
	}
)

func fromWorkflow(ex *store.WorkflowExecution) (*workflowDocument, error) {
	doc := &workflowDocument{
		ID:              ex.ID,
		WorkflowName:    ex.WorkflowName,
		State:           string(ex.State),
		StateInfo:       ex.StateInfo,
		TaskExecutionID: ex.TaskExecutionID,
		CreatedAt:       ex.CreatedAt,
		UpdatedAt:       ex.UpdatedAt,
	}
	var err error
	if doc.Spec, err = marshalJSON(ex.Spec); err != nil {
		return nil, err
	}
	if doc.Input, err = marshalJSON(ex.Input); err != nil {
		return nil, err
	}
	if doc.Output, err = marshalJSON(ex.Output); err != nil {
		return nil, err
	}
	if doc.Context, err = marshalJSON(ex.Context); err != nil {
		return nil, err
	}
	if doc.StartParams, err = marshalJSON(ex.StartParams); err != nil {
		return nil, err
	}
	return doc, nil
}

func (doc *workflowDocument) toWorkflow() (*store.WorkflowExecution, error) {
	ex := &store.WorkflowExecution{
		ID:              doc.ID,
		WorkflowName:    doc.WorkflowName,
		State:           states.State(doc.State),
		StateInfo:       doc.StateInfo,
		TaskExecutionID: doc.TaskExecutionID,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
	if len(doc.Spec) > 0 {
		ex.Spec = new(spec.Workflow)
		if err := json.Unmarshal(doc.Spec, ex.Spec); err != nil {
			return nil, fmt.Errorf("mongodb decode workflow spec: %w", err)
		}
	}
	if err := unmarshalJSON(doc.Input, &ex.Input); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(doc.Output, &ex.Output); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(doc.Context, &ex.Context); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(doc.StartParams, &ex.StartParams); err != nil {
		return nil, err
	}
	return ex, nil
}

func fromTask(task *store.TaskExecution) (*taskDocument, error) {
	doc := &taskDocument{
		ID:                  task.ID,
		Name:                task.Name,
		WorkflowExecutionID: task.WorkflowExecutionID,
		State:               string(task.State),
		StateInfo:           task.StateInfo,
		Processed:           task.Processed,
		ActionID:            task.ActionID,
		CompletedAt:         task.CompletedAt,
		CreatedAt:           task.CreatedAt,
		UpdatedAt:           task.UpdatedAt,
	}
	var err error
	if doc.InContext, err = marshalJSON(task.InContext); err != nil {
		return nil, err
	}
	if doc.Input, err = marshalJSON(task.Input); err != nil {
		return nil, err
	}
	if task.Result != nil {
		if doc.Result, err = marshalJSON(task.Result); err != nil {
			return nil, err
		}
	}
	if doc.Published, err = marshalJSON(task.Published); err != nil {
		return nil, err
	}
	if doc.RuntimeContext, err = marshalJSON(task.RuntimeContext); err != nil {
		return nil, err
	}
	return doc, nil
}

func (doc *taskDocument) toTask() (*store.TaskExecution, error) {
	task := &store.TaskExecution{
		ID:                  doc.ID,
		Name:                doc.Name,
		WorkflowExecutionID: doc.WorkflowExecutionID,
		State:               states.State(doc.State),
		StateInfo:           doc.StateInfo,
		Processed:           doc.Processed,
		ActionID:            doc.ActionID,
		CompletedAt:         doc.CompletedAt,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
	}
	if err := unmarshalJSON(doc.InContext, &task.InContext); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(doc.Input, &task.Input); err != nil {
		return nil, err
	}
	if len(doc.Result) > 0 {
		if err := json.Unmarshal(doc.Result, &task.Result); err != nil {
			return nil, fmt.Errorf("mongodb decode task result: %w", err)
		}
	}
	if err := unmarshalJSON(doc.Published, &task.Published); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(doc.RuntimeContext, &task.RuntimeContext); err != nil {
		return nil, err
	}
	return task, nil
}

func fromCall(call *store.ScheduledCall) (*callDocument, error) {
	doc := &callDocument{
		ID:          call.ID,
		Target:      call.Target,
		Method:      call.Method,
		ExecuteAt:   call.ExecuteAt,
		Serializers: call.Serializers,
		LockedUntil: call.LockedUntil,
		Processed:   call.Processed,
		CreatedAt:   call.CreatedAt,
	}
	var err error
	if doc.Args, err = marshalJSON(call.Args); err != nil {
		return nil, err
	}
	return doc, nil
}

func (doc *callDocument) toCall() (*store.ScheduledCall, error) {
	call := &store.ScheduledCall{
		ID:          doc.ID,
		Target:      doc.Target,
		Method:      doc.Method,
		ExecuteAt:   doc.ExecuteAt,
		Serializers: doc.Serializers,
		LockedUntil: doc.LockedUntil,
		Processed:   doc.Processed,
		CreatedAt:   doc.CreatedAt,
	}
	if err := unmarshalJSON(doc.Args, &call.Args); err != nil {
		return nil, err
	}
	return call, nil
}

func fromAction(def *store.ActionDefinition) *actionDocument {
	return &actionDocument{
		Name:        def.Name,
		Description: def.Description,
		Definition:  def.Definition,
		Base:        def.Base,
		Params:      def.Params,
		IsSystem:    def.IsSystem,
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
	}
}

func (doc *actionDocument) toAction() *store.ActionDefinition {
	return &store.ActionDefinition{
		Name:        doc.Name,
		Description: doc.Description,
		Definition:  doc.Definition,
		Base:        doc.Base,
		Params:      doc.Params,
		IsSystem:    doc.IsSystem,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mongodb encode json field: %w", err)
	}
	return raw, nil
}

func unmarshalJSON(raw []byte, out *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("mongodb decode json field: %w", err)
	}
	return nil
}
