package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskwallet/wallet-sync/internal/orchestrator"
)

// blockingSession keeps a session open until release is closed
func blockingSession(ctrl *gomock.Controller, release <-chan struct{}) *fakeSession {
	fs := newFakeSession(ctrl)
	go func() {
		<-release
		fs.finish(nil)
	}()
	return fs
}

func TestManager_SyncAndLookup(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	release := make(chan struct{})
	session := blockingSession(ctrl, release)
	h := newHarness(t, orchestrator.Config{}, sessionFactory(session), nil)

	manager := orchestrator.NewManager(context.Background(), 2)
	manager.Sync(context.Background(), h.orchestrator)

	// the orchestrator is registered while its run loop is live
	session.subscribedVars(t)
	got, ok := manager.Lookup(walletAddress)
	require.True(t, ok)
	assert.Same(t, h.orchestrator, got)
	assert.Equal(t, []string{walletAddress}, manager.Addresses())

	close(release)
	manager.StopAndWait()

	// registration is dropped once the run loop returns
	_, ok = manager.Lookup(walletAddress)
	assert.False(t, ok)
	assert.Empty(t, manager.Addresses())
}

func TestManager_DuplicateAddressIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	release := make(chan struct{})
	session := blockingSession(ctrl, release)
	h := newHarness(t, orchestrator.Config{}, sessionFactory(session), nil)

	manager := orchestrator.NewManager(context.Background(), 2)
	manager.Sync(context.Background(), h.orchestrator)
	session.subscribedVars(t)

	// a second orchestrator for the same address is rejected; its transport
	// factory is never invoked
	factoryCalled := make(chan struct{}, 1)
	duplicate := newHarness(t, orchestrator.Config{}, func() orchestrator.Transport {
		factoryCalled <- struct{}{}
		return nil
	}, nil)
	manager.Sync(context.Background(), duplicate.orchestrator)

	select {
	case <-factoryCalled:
		t.Fatal("duplicate sync was submitted")
	case <-time.After(50 * time.Millisecond):
	}

	got, _ := manager.Lookup(walletAddress)
	assert.Same(t, h.orchestrator, got)

	close(release)
	manager.StopAndWait()
}

func TestManager_StopAndWaitBlocksUntilDone(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	release := make(chan struct{})
	session := blockingSession(ctrl, release)
	h := newHarness(t, orchestrator.Config{}, sessionFactory(session), nil)

	manager := orchestrator.NewManager(context.Background(), 1)
	manager.Sync(context.Background(), h.orchestrator)
	session.subscribedVars(t)

	stopped := make(chan struct{})
	go func() {
		manager.StopAndWait()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("StopAndWait returned while a sync was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAndWait never returned")
	}
}
