package mq

import (
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
)

func TestProducer_SendMessage(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"job_id":"TRF1"}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerFrom(sp)
	assert.NoError(t, p.SendMessage("transfer.result", "TRF1", `{"job_id":"TRF1"}`))
	assert.ErrorIs(t, p.SendMessage("transfer.result", "TRF2", `{}`), sarama.ErrOutOfBrokers)
	assert.NoError(t, p.Close())
}
