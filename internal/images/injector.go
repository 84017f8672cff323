package images

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/job"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/workflow"
)

// InlineField is the node input that receives base64 image data.
const InlineField = "data"

// InlineNodeTypes are node class types that accept base64 image data directly.
var InlineNodeTypes = map[string]bool{
	"LoadImageFromBase64": true,
	"Base64ToImage":       true,
}

// Injector chooses between inline injection and upload.
type Injector struct {
	uploader *Uploader
	logger   *logrus.Logger
}

// NewInjector creates an injector falling back to uploader
func NewInjector(uploader *Uploader, logger *logrus.Logger) *Injector {
	return &Injector{uploader: uploader, logger: logger}
}

// InjectOrUpload writes the first image into the first node that accepts
// inline base64 and ignores the rest. When no such node exists every image
// is uploaded. The returned workflow is a copy; wf is never modified.
func (i *Injector) InjectOrUpload(ctx context.Context, wf workflow.Workflow, imgs []job.ImageInput) (workflow.Workflow, UploadResult) {
	if len(imgs) == 0 {
		return wf, UploadResult{Status: job.StatusSuccess, Message: "No images to upload", Details: []string{}}
	}

	if nodeID, classType, ok := FindInlineNode(wf); ok {
		payload := StripDataURL(imgs[0].Image)
		updated := wf.WithNodeInput(nodeID, InlineField, payload)

		entry := i.logger.WithFields(logrus.Fields{
			"node_id":    nodeID,
			"class_type": classType,
			"name":       imgs[0].Name,
		})
		if len(imgs) > 1 {
			entry = entry.WithField("ignored", len(imgs)-1)
		}
		entry.Info("Injected base64 image data into node")

		return updated, UploadResult{
			Status:  job.StatusSuccess,
			Message: "Image injected into workflow",
			Details: []string{fmt.Sprintf("Injected %s into node %s", imgs[0].Name, nodeID)},
		}
	}

	return wf, i.uploader.UploadAll(ctx, imgs)
}

// FindInlineNode returns the first node, in NodeIDs order, whose class type
// accepts inline base64 data.
func FindInlineNode(wf workflow.Workflow) (id, classType string, ok bool) {
	for _, id := range wf.NodeIDs() {
		node, isNode := wf.Node(id)
		if !isNode {
			continue
		}
		if ct := node.ClassType(); InlineNodeTypes[ct] {
			return id, ct, true
		}
	}
	return "", "", false
}
