package storage

import (
	"encoding/json"
	"fmt"

	"github.com/Shopify/sarama/mocks"
	. "github.com/janelia-flyem/go/gocheck"
)

type KafkaSuite struct{}

var _ = Suite(&KafkaSuite{})

func (s *KafkaSuite) TestActivityTopic(c *C) {
	c.Assert(KafkaConfig{}.ActivityTopic("host 1"), Equals, "maskchanactivity-host-1")
	c.Assert(KafkaConfig{TopicActivity: "my/topic"}.ActivityTopic("x"), Equals, "my-topic")
}

func (s *KafkaSuite) TestNoServers(c *C) {
	al, err := KafkaConfig{}.Initialize("host")
	c.Assert(err, IsNil)
	c.Assert(al, IsNil)
	c.Assert(al.Log(map[string]interface{}{"a": 1}), IsNil)
	c.Assert(al.Topic(), Equals, "")
	c.Assert(al.Close(), IsNil)
}

func (s *KafkaSuite) TestLogActivity(c *C) {
	producer := mocks.NewAsyncProducer(c, nil)
	producer.ExpectInputWithCheckerFunctionAndSucceed(func(value []byte) error {
		var activity map[string]interface{}
		if err := json.Unmarshal(value, &activity); err != nil {
			return err
		}
		if activity["batch"] != "b1" {
			return fmt.Errorf("bad batch field in %s", string(value))
		}
		if _, found := activity["time"]; !found {
			return fmt.Errorf("no time field in %s", string(value))
		}
		return nil
	})
	producer.ExpectInputAndSucceed()

	al := NewActivityLog(producer, "maskchanactivity-test")
	c.Assert(al.Topic(), Equals, "maskchanactivity-test")
	c.Assert(al.Log(map[string]interface{}{"batch": "b1", "fragments": 3}), IsNil)
	c.Assert(al.Log(map[string]interface{}{"batch": "b1", "time": 5}), IsNil)
	c.Assert(al.Close(), IsNil)

	// logging after close drops the message
	c.Assert(al.Log(map[string]interface{}{"batch": "b2"}), IsNil)
	c.Assert(al.Close(), IsNil)
}
