package storage

import (
	"encoding/json"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/Shopify/sarama"

	"github.com/janelia-flyem/maskchan/dvid"
)

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * dvid.Kilo

// KafkaConfig describes the kafka servers receiving batch activity.
type KafkaConfig struct {
	TopicActivity string `toml:"topic_activity"` // if supplied, overrides the default activity topic
	Servers       []string
	BufferSize    int `toml:"buffer_size"` // max buffered messages before flush
}

var topicSanitizer = regexp.MustCompile(`[^a-zA-Z0-9\\._\\-]+`)

// ActivityTopic returns the sanitized activity topic for the given host.
func (kc KafkaConfig) ActivityTopic(hostID string) string {
	topic := kc.TopicActivity
	if topic == "" {
		topic = "maskchanactivity-" + hostID
	}
	return topicSanitizer.ReplaceAllString(topic, "-")
}

// Initialize connects to the configured servers.  If no servers are
// configured it returns a nil *ActivityLog, on which logging is a no-op.
func (kc KafkaConfig) Initialize(hostID string) (*ActivityLog, error) {
	if len(kc.Servers) == 0 {
		return nil, nil
	}
	config := sarama.NewConfig()
	config.Producer.MaxMessageBytes = KafkaMaxMessageSize
	if kc.BufferSize > 0 {
		config.Producer.Flush.MaxMessages = kc.BufferSize
	}
	producer, err := sarama.NewAsyncProducer(kc.Servers, config)
	if err != nil {
		return nil, err
	}
	return NewActivityLog(producer, kc.ActivityTopic(hostID)), nil
}

// ActivityLog publishes batch activity as JSON messages to a kafka topic.
type ActivityLog struct {
	producer sarama.AsyncProducer
	topic    string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewActivityLog publishes to topic through producer, which the log closes
// on Close.
func NewActivityLog(producer sarama.AsyncProducer, topic string) *ActivityLog {
	al := &ActivityLog{
		producer: producer,
		topic:    topic,
		done:     make(chan struct{}),
	}
	go func() {
		for err := range producer.Errors() {
			dvid.Errorf("error on kafka send to %q: %v\n", al.topic, err)
		}
		close(al.done)
	}()
	dvid.Infof("Kafka topic for maskchan activity: %s\n", topic)
	return al
}

// Topic returns the activity topic or "" for a nil log.
func (al *ActivityLog) Topic() string {
	if al == nil {
		return ""
	}
	return al.topic
}

// Log publishes one activity record, adding a "time" field if absent.
func (al *ActivityLog) Log(activity map[string]interface{}) error {
	if al == nil {
		return nil
	}
	if _, found := activity["time"]; !found {
		activity["time"] = time.Now().Unix()
	}
	jsonmsg, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.closed {
		dvid.Errorf("dropped activity for closed kafka topic %q\n", al.topic)
		return nil
	}
	timeKey := sarama.StringEncoder(strconv.FormatInt(time.Now().UnixNano(), 10))
	al.producer.Input() <- &sarama.ProducerMessage{Topic: al.topic, Value: sarama.ByteEncoder(jsonmsg), Key: timeKey}
	return nil
}

// Close flushes queued messages and shuts down the producer.
func (al *ActivityLog) Close() error {
	if al == nil {
		dvid.Infof("Kafka producer was nil so unnecessary to close.\n")
		return nil
	}
	al.mu.Lock()
	if al.closed {
		al.mu.Unlock()
		return nil
	}
	al.closed = true
	al.mu.Unlock()

	err := al.producer.Close()
	<-al.done
	if err != nil {
		dvid.Errorf("Kafka producer had error on close: %v\n", err)
		return err
	}
	dvid.Infof("Successfully shut down kafka producer.\n")
	return nil
}
