package kafka

import (
	"errors"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

type Topic struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

func NewTopic(name string, partitions int, replicationFactor int) *Topic {
	return &Topic{Name: name, Partitions: partitions, ReplicationFactor: replicationFactor}
}

func (t *Topic) Validate() error {
	if t.Name == "" {
		return errors.New("topic name is required")
	}
	if t.Partitions <= 0 {
		return errors.New("partitions must be greater than 0")
	}
	if t.ReplicationFactor <= 0 {
		return errors.New("replication factor must be greater than 0")
	}
	return nil
}

func (t *Topic) Build() kafka.TopicSpecification {
	return kafka.TopicSpecification{
		Topic:             t.Name,
		NumPartitions:     t.Partitions,
		ReplicationFactor: t.ReplicationFactor,
	}
}

type ACKS int

const (
	ACKsAll    ACKS = -1
	ACKsLeader ACKS = 1
	ACKsNone   ACKS = 0
)

func IsNotValidACKs(acks ACKS) bool {
	return acks != ACKsAll &&
		acks != ACKsLeader &&
		acks != ACKsNone
}
