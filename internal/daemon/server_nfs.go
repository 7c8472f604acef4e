// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"
)

// NFSServer exports a billy filesystem over NFSv3.
// NFSServer exports a billy filesystem over NFSv3.
type NFSServer struct {
	listener net.Listener
	server   *nfs.Server
	cancel   context.CancelFunc
	log      log.FieldLogger
	once     sync.Once
}

// NewNFSServer creates a server for fs. Handles are cached so clients can
// keep using them across requests.
func NewNFSServer(fs billy.Filesystem, logger log.FieldLogger) *NFSServer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	// Set go-nfs log level to match our log level
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}
	handler := nfshelper.NewNullAuthHandler(fs)
	cacheHelper := nfshelper.NewCachingHandler(handler, 65536)

	ctx, cancel := context.WithCancel(context.Background())
	return &NFSServer{
		server: &nfs.Server{
			Handler: cacheHelper,
			Context: ctx,
		},
		cancel: cancel,
		log:    logger,
	}
}

// Listen binds addr. Use Addr to learn the port when addr ends in ":0".
func (s *NFSServer) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *NFSServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
// Serve blocks until the listener fails or Shutdown is called. It returns
// nil after Shutdown.
func (s *NFSServer) Serve() error {
	if s.listener == nil {
		return errors.New("nfs server is not listening")
	}
	s.log.Infof("[NFS] serving on %s", s.listener.Addr())
	err := s.server.Serve(s.listener)
	if s.server.Context.Err() != nil {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and cancels in-flight handlers.
func (s *NFSServer) Shutdown() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			s.listener.Close()
		}
		s.log.Infof("[NFS] stopped")
	})
}
