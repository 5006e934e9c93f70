// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package log

import (
	"context"

	"github.com/cockroachdb/logtags"
)

// AmbientContext carries the log tags of a long-lived component. Contexts
// created for its operations are annotated with these tags.
type AmbientContext struct {
	tags *logtags.Buffer
}

// MakeAmbientContext returns an empty AmbientContext.
func MakeAmbientContext() AmbientContext {
	return AmbientContext{}
}

// AddLogTag adds a tag to the ambient context.
func (ac *AmbientContext) AddLogTag(name string, value interface{}) {
	if ac.tags == nil {
		ac.tags = logtags.SingleTagBuffer(name, value)
		return
	}
	ac.tags = ac.tags.Add(name, value)
}

// AnnotateCtx merges the ambient tags into ctx.
func (ac *AmbientContext) AnnotateCtx(ctx context.Context) context.Context {
	if ac.tags == nil {
		return ctx
	}
	return logtags.AddTags(ctx, ac.tags)
}
