/*
Copyright The PGKeeper Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package switchover

import (
	"errors"
	"fmt"

	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/log"
)

// ErrFailover wraps every failure of the failover state client
var ErrFailover = errors.New("unable to reset failover state")

// Failover operates on the failover state machine out of band
type Failover struct {
	zk *dcs.Client
}

// NewFailover builds the failover state client
func NewFailover(zk *dcs.Client) *Failover {
	return &Failover{zk: zk}
}

// Reset clears the failover state node
func (f *Failover) Reset() error {
	log.Info("Resetting the failover nodes")
	if err := f.zk.Delete(dcs.FailoverStatePath, false); err != nil {
		return fmt.Errorf("%w: %v", ErrFailover, err)
	}
	return nil
}
