// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"testing"
	"time"

	"github.com/pingcap/shardjob/pkg/leakutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func TestNotifyWakesEveryReceiver(t *testing.T) {
	notifier := new(Notifier)
	receivers := make([]*Receiver, 3)
	for i := range receivers {
		r, err := notifier.NewReceiver(-1)
		require.NoError(t, err)
		receivers[i] = r
	}

	// pending notifications are merged into one.
	notifier.Notify()
	notifier.Notify()
	for _, r := range receivers {
		<-r.C
		select {
		case <-r.C:
			t.Fatal("a merged notification is received twice")
		default:
		}
	}

	receivers[0].Stop()
	notifier.Notify()
	select {
	case <-receivers[0].C:
		t.Fatal("a stopped receiver is notified")
	default:
	}
	<-receivers[1].C
	<-receivers[2].C
	for _, r := range receivers[1:] {
		r.Stop()
	}
	require.Len(t, notifier.receivers, 0)
}

func TestReceiverTicks(t *testing.T) {
	notifier := new(Notifier)
	r, err := notifier.NewReceiver(10 * time.Millisecond)
	require.NoError(t, err)
	// woken up by the ticker without any Notify.
	<-r.C
	<-r.C
	r.Stop()
	r.Stop()
}

func TestNotifierClose(t *testing.T) {
	notifier := new(Notifier)
	r, err := notifier.NewReceiver(10 * time.Millisecond)
	require.NoError(t, err)
	notifier.Close()
	r.Stop()
	_, err = notifier.NewReceiver(-1)
	require.ErrorIs(t, err, ErrNotifierClosed)
	notifier.Notify()
}
