package relation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/types"

	"github.com/sdcore/ausf-operator/internal/constants"
	operrors "github.com/sdcore/ausf-operator/internal/errors"
)

var testOwner = types.NamespacedName{Namespace: "sdcore", Name: "ausf"}

func newTestStore(notify func(types.NamespacedName)) *Store {
	return NewStore(notify, constants.RelationFivegNRF, constants.RelationCertificates)
}

func TestUpdateRejectsUnknownRelation(t *testing.T) {
	s := newTestStore(nil)

	err := s.Update(testOwner, "database", StatusRequested, nil)
	require.Error(t, err)
	require.True(t, operrors.IsUnknownRelation(err))
}

func TestConnectedRequiresRequested(t *testing.T) {
	s := newTestStore(nil)

	err := s.Update(testOwner, constants.RelationFivegNRF, StatusConnected, map[string]string{
		constants.RelationKeyNRFAddress: "10.0.0.5:8080",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidTransition))
	require.Equal(t, StatusAbsent, s.Get(testOwner, constants.RelationFivegNRF).Status)
}

func TestLifecycleTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		wantErr bool
	}{
		{name: "full lifecycle", path: []Status{StatusRequested, StatusConnected, StatusBroken}},
		{name: "rejoin after broken", path: []Status{StatusRequested, StatusBroken, StatusRequested, StatusConnected}},
		{name: "data refresh while connected", path: []Status{StatusRequested, StatusConnected, StatusConnected}},
		{name: "broken before connected", path: []Status{StatusRequested, StatusBroken}},
		{name: "absent to broken is invalid", path: []Status{StatusBroken}, wantErr: true},
		{name: "broken straight to connected is invalid", path: []Status{StatusRequested, StatusBroken, StatusConnected}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(nil)
			var lastErr error
			for _, status := range tt.path {
				lastErr = s.Update(testOwner, constants.RelationFivegNRF, status, nil)
				if lastErr != nil {
					break
				}
			}
			if tt.wantErr {
				require.Error(t, lastErr)
			} else {
				require.NoError(t, lastErr)
				require.Equal(t, tt.path[len(tt.path)-1], s.Get(testOwner, constants.RelationFivegNRF).Status)
			}
		})
	}
}

func TestNotifyFiresOnlyOnEffectiveChange(t *testing.T) {
	var fired int
	s := newTestStore(func(types.NamespacedName) { fired++ })

	data := map[string]string{constants.RelationKeyNRFAddress: "10.0.0.5:8080"}
	require.NoError(t, s.Update(testOwner, constants.RelationFivegNRF, StatusRequested, nil))
	require.NoError(t, s.Update(testOwner, constants.RelationFivegNRF, StatusConnected, data))
	require.Equal(t, 2, fired)

	// Identical update is a no-op and must not schedule another reconcile.
	require.NoError(t, s.Update(testOwner, constants.RelationFivegNRF, StatusConnected, data))
	require.Equal(t, 2, fired)

	// Data change while Connected does fire.
	require.NoError(t, s.Update(testOwner, constants.RelationFivegNRF, StatusConnected, map[string]string{
		constants.RelationKeyNRFAddress: "10.0.0.6:8080",
	}))
	require.Equal(t, 3, fired)
}

func TestGetReturnsAbsentForUnobserved(t *testing.T) {
	s := newTestStore(nil)

	state := s.Get(testOwner, constants.RelationCertificates)
	require.Equal(t, StatusAbsent, state.Status)
	require.Equal(t, constants.RelationCertificates, state.Name)
	require.Empty(t, state.RemoteData)
}

func TestSnapshotSortedAndForget(t *testing.T) {
	s := newTestStore(nil)
	require.NoError(t, s.Update(testOwner, constants.RelationFivegNRF, StatusRequested, nil))

	snap := s.Snapshot(testOwner)
	require.Len(t, snap, 2)
	require.Equal(t, constants.RelationCertificates, snap[0].Name)
	require.Equal(t, constants.RelationFivegNRF, snap[1].Name)
	require.Equal(t, StatusRequested, snap[1].Status)

	s.Forget(testOwner)
	require.Equal(t, StatusAbsent, s.Get(testOwner, constants.RelationFivegNRF).Status)
}

func TestRemoteDataIsCopied(t *testing.T) {
	s := newTestStore(nil)
	data := map[string]string{constants.RelationKeyNRFAddress: "10.0.0.5:8080"}
	require.NoError(t, s.Update(testOwner, constants.RelationFivegNRF, StatusRequested, data))

	data[constants.RelationKeyNRFAddress] = "mutated"
	require.Equal(t, "10.0.0.5:8080", s.Get(testOwner, constants.RelationFivegNRF).RemoteData[constants.RelationKeyNRFAddress])
}
