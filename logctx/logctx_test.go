package logctx

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTagsComponentField(t *testing.T) {
	logrus.SetLevel(logrus.DebugLevel)
	_, hook := test.NewNullLogger()
	logrus.AddHook(hook)
	defer logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))

	l := New("paxos.Server", logrus.Fields{"node": "n1"})
	l.Infof("started")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "paxos.Server", hook.LastEntry().Data["component"])
	assert.Equal(t, "n1", hook.LastEntry().Data["node"])
	assert.Equal(t, "started", hook.LastEntry().Message)
}

func TestWithFieldAddsFieldWithoutMutatingParent(t *testing.T) {
	logrus.SetLevel(logrus.DebugLevel)
	_, hook := test.NewNullLogger()
	logrus.AddHook(hook)
	defer logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))

	l := New("rebalance.Rebalancer", nil)
	child := l.WithField("addr", "abc123")
	child.Warnf("resign stuck")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "abc123", hook.LastEntry().Data["addr"])
	assert.Equal(t, "rebalance.Rebalancer", hook.LastEntry().Data["component"])
}

func TestWithFieldOnZeroValueLoggerFallsBackToStandardLogger(t *testing.T) {
	logrus.SetLevel(logrus.DebugLevel)
	_, hook := test.NewNullLogger()
	logrus.AddHook(hook)
	defer logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))

	var l Logger
	child := l.WithField("addr", "abc123")
	child.Infof("derived from zero value")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "abc123", hook.LastEntry().Data["addr"])
}
