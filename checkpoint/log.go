// Copyright 2023 Keelstream, Inc. or its affiliates. All Rights Reserved.
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

package checkpoint

import (
	"fmt"
	"time"
)

// Logger matches the shape of the root keeper Logger so a single implementation
// can serve every keeper package.
type Logger interface {
	Tracef(msg string, args ...any)
	Debugf(msg string, args ...any)
	Infof(msg string, args ...any)
	Warnf(msg string, args ...any)
	Errorf(msg string, args ...any)
}

type defaultLogger struct{}

func (defaultLogger) Tracef(msg string, args ...any) {}
func (defaultLogger) Debugf(msg string, args ...any) {}
func (defaultLogger) Infof(msg string, args ...any)  {}
func (defaultLogger) Warnf(msg string, args ...any)  {}
func (defaultLogger) Errorf(msg string, args ...any) {
	fmt.Println(time.Now().UTC().Format(time.RFC3339Nano), "[ERROR] -", fmt.Sprintf(msg, args...))
}

var log Logger = defaultLogger{}

// InitLogger installs the package logger. keeper.InitLogger forwards here;
// call directly if using this package standalone. Not synchronized; call
// before starting any component.
func InitLogger(l Logger) Logger {
	if l != nil {
		log = l
	}
	return log
}
