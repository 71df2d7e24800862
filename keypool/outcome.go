// Copyright © 2025 Weather Flick <dev@weatherflick.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package keypool

import (
	"reflect"

	"github.com/JeffreyRichter/enum/enum"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

var EOutcome = Outcome(0)

// Outcome is the caller's verdict on one use of a leased key.
type Outcome uint32

func (Outcome) OK() Outcome          { return Outcome(0) }
func (Outcome) RateLimited() Outcome { return Outcome(1) }
func (Outcome) AuthFailed() Outcome  { return Outcome(2) }
func (Outcome) Transient() Outcome   { return Outcome(3) }

func (o Outcome) String() string {
	return enum.StringInt(o, reflect.TypeOf(o))
}

// OutcomeForKind maps an error classification onto the pool's vocabulary.
// Provider-level application errors count as OK: the key did its job and the
// call burned quota. Unknown kinds count as transient so a glitching provider
// still backs off rather than hammering one key.
func OutcomeForKind(kind common.ErrorKind) Outcome {
	switch kind {
	case common.EErrorKind.RateLimited():
		return EOutcome.RateLimited()
	case common.EErrorKind.AuthFailed():
		return EOutcome.AuthFailed()
	case common.EErrorKind.FailProvider():
		return EOutcome.OK()
	default:
		return EOutcome.Transient()
	}
}
