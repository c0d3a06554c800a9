package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sync"
	"time"

	"github.com/alwitt/chatmq/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Publisher publishes a message on a subject
type Publisher interface {
	Publish(ctxt context.Context, subject string, payload []byte) error
}

// subjectPattern NATS subject tokens without wildcards
var subjectPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]+(\.[a-zA-Z0-9_\-]+)*$`)

// natsMirrorImpl implements EventMirror over a Publisher
type natsMirrorImpl struct {
	common.Component
	publisher      Publisher
	subject        string
	publishTimeout time.Duration
	processor      common.TaskProcessor
	validate       *validator.Validate
	operationCtxt  context.Context
}

// NATSMirrorParams parameters for the NATS event mirror
type NATSMirrorParams struct {
	// Subject is the subject prefix
	Subject string `validate:"required"`
	// BufferSize number of records held while waiting to be published
	BufferSize int `validate:"gte=1"`
	// Workers number of parallel publishers
	Workers int `validate:"gte=1"`
	// PublishTimeout max duration for publishing one record
	PublishTimeout time.Duration `validate:"gt=0"`
}

/*
GetNATSMirror define an EventMirror publishing records as JSON to "<subject>.<record type>"

	@param params NATSMirrorParams - mirror parameters
	@param publisher Publisher - the NATS publisher
	@param ctxt context.Context - the mirror stops when this context ends
	@param wg *sync.WaitGroup - tracks the publishing goroutines
	@return the new mirror
*/
func GetNATSMirror(
	params NATSMirrorParams, publisher Publisher, ctxt context.Context, wg *sync.WaitGroup,
) (EventMirror, error) {
	logTags := log.Fields{
		"module": "mirror", "component": "nats-mirror", "instance": params.Subject,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid mirror parameters")
		return nil, err
	}
	if !subjectPattern.MatchString(params.Subject) {
		err := fmt.Errorf("invalid subject prefix '%s'", params.Subject)
		log.WithError(err).WithFields(logTags).Error("Invalid mirror parameters")
		return nil, err
	}
	var processor common.TaskProcessor
	var err error
	if params.Workers > 1 {
		processor, err = common.GetNewTaskDemuxProcessorInstance(
			"event-mirror", params.BufferSize, params.Workers, params.PublishTimeout, ctxt,
		)
	} else {
		processor, err = common.GetNewTaskProcessorInstance("event-mirror", params.BufferSize, ctxt)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &natsMirrorImpl{
		Component:      common.Component{LogTags: logTags},
		publisher:      publisher,
		subject:        params.Subject,
		publishTimeout: params.PublishTimeout,
		processor:      processor,
		validate:       validate,
		operationCtxt:  ctxt,
	}
	if err := processor.AddToTaskExecutionMap(
		reflect.TypeOf(Record{}), instance.processRecord,
	); err != nil {
		return nil, err
	}
	if err := processor.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start task processor")
		return nil, err
	}
	return instance, nil
}

// SubjectFor the subject a record type is published on
func (m *natsMirrorImpl) SubjectFor(recordType RecordType) string {
	return fmt.Sprintf("%s.%s", m.subject, recordType)
}

func (m *natsMirrorImpl) Mirror(record Record) error {
	if err := m.validate.Struct(&record); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Invalid record")
		return err
	}
	if err := m.processor.TrySubmit(record); err != nil {
		log.WithError(err).WithFields(m.LogTags).Warnf(
			"Dropping %s record of %s", record.Type, record.UserName,
		)
		return err
	}
	return nil
}

// processRecord publish one record. Runs in the task processor goroutine.
func (m *natsMirrorImpl) processRecord(param interface{}) error {
	record, ok := param.(Record)
	if !ok {
		return fmt.Errorf("can not process %s as Record", reflect.TypeOf(param))
	}
	payload, err := json.Marshal(&record)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Failed to serialize record")
		return err
	}
	ctxt, cancel := context.WithTimeout(m.operationCtxt, m.publishTimeout)
	defer cancel()
	subject := m.SubjectFor(record.Type)
	if err := m.publisher.Publish(ctxt, subject, payload); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to mirror %s record of %s", record.Type, record.UserName,
		)
		return err
	}
	log.WithFields(m.LogTags).Debugf("Mirrored %s record of %s to %s", record.Type, record.UserName, subject)
	return nil
}

func (m *natsMirrorImpl) Stop() error {
	return m.processor.StopEventLoop()
}
