package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/notesfed/internal/keycrypto"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/testutil"
)

func TestSnapshots_Save(t *testing.T) {
	storage := &MockStorage{}
	var uploaded []byte
	storage.On("Upload", mock.Anything, model.SnapshotKey("d"), mock.Anything).
		Run(func(args mock.Arguments) {
			uploaded, _ = io.ReadAll(args.Get(2).(io.Reader))
		}).
		Return(nil)

	s := NewSnapshots(storage, testutil.MakeNoopLogger())
	require.NoError(t, s.Save(context.Background(), "d", keycrypto.Encode([]byte("sealed"))))
	assert.Equal(t, []byte("sealed"), uploaded)

	assert.ErrorIs(t, s.Save(context.Background(), "d", "%%%"), model.ErrInvalidRequest)
	assert.ErrorIs(t, s.Save(context.Background(), "d", ""), model.ErrInvalidRequest)
}

func TestSnapshots_Latest(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*MockStorage)
		want    string
		wantErr bool
	}{
		{
			name: "stored",
			setup: func(s *MockStorage) {
				s.On("Exists", mock.Anything, model.SnapshotKey("d")).Return(true, nil)
				s.On("Download", mock.Anything, model.SnapshotKey("d")).Return(io.NopCloser(bytes.NewReader([]byte("sealed"))), nil)
			},
			want: keycrypto.Encode([]byte("sealed")),
		},
		{
			name: "absent",
			setup: func(s *MockStorage) {
				s.On("Exists", mock.Anything, model.SnapshotKey("d")).Return(false, nil)
			},
		},
		{
			name: "storage error",
			setup: func(s *MockStorage) {
				s.On("Exists", mock.Anything, model.SnapshotKey("d")).Return(false, errors.New("boom"))
			},
			wantErr: true,
		},
		{
			name: "download error",
			setup: func(s *MockStorage) {
				s.On("Exists", mock.Anything, model.SnapshotKey("d")).Return(true, nil)
				s.On("Download", mock.Anything, model.SnapshotKey("d")).Return(nil, errors.New("boom"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := &MockStorage{}
			tt.setup(storage)

			got, err := NewSnapshots(storage, testutil.MakeNoopLogger()).Latest(context.Background(), "d")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
