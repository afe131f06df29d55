//go:build darwin && cgo

package capture

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework AppKit -framework CoreGraphics -framework CoreMedia -framework CoreVideo -framework ScreenCaptureKit

#include <AppKit/AppKit.h>
#include <CoreGraphics/CoreGraphics.h>
#include <CoreMedia/CoreMedia.h>
#include <CoreVideo/CoreVideo.h>
#include <ScreenCaptureKit/ScreenCaptureKit.h>
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

// Implemented in Go (export_darwin.go).
extern int skGoStreamFrame(uintptr_t handle, CVPixelBufferRef buffer, int width, int height, int64_t ptsNs);
extern void skGoStreamStarted(uintptr_t handle);
extern void skGoStreamStopped(uintptr_t handle, int errClass, const char *msg);

// Error classes crossing the cgo boundary.
enum {
    SK_ERR_NONE = 0,
    SK_ERR_CONTENT = 1,    // shareable content query failed
    SK_ERR_DISPLAY = 2,    // display not found
    SK_ERR_PERMISSION = 3, // screen recording permission denied
    SK_ERR_STREAM = 4,     // stream setup/start failure
    SK_ERR_FRAME = 5,      // single-frame capture failed
};

// SCStreamErrorUserDeclined. Referenced by value so the file builds against
// SDKs that predate the symbolic name.
#define SK_SCSTREAM_USER_DECLINED (-3801)

static int skClassifyError(NSError *error) {
    if (error == nil) return SK_ERR_STREAM;
    if (error.code == SK_SCSTREAM_USER_DECLINED) return SK_ERR_PERMISSION;
    return SK_ERR_STREAM;
}

// SkylightStreamOutput forwards SCStream samples and lifecycle events to Go.
// Frames arrive on a dedicated serial delivery queue; the Go side decides the
// continue flag per frame.
API_AVAILABLE(macos(12.3))
@interface SkylightStreamOutput : NSObject <SCStreamOutput, SCStreamDelegate>
@property (nonatomic, assign) uintptr_t goHandle;
@property (nonatomic, strong) SCStream *stream;
@end

@implementation SkylightStreamOutput

- (void)stream:(SCStream *)stream didOutputSampleBuffer:(CMSampleBufferRef)sampleBuffer ofType:(SCStreamOutputType)type {
    if (type != SCStreamOutputTypeScreen) return;
    if (sampleBuffer == NULL || !CMSampleBufferIsValid(sampleBuffer)) return;

    CVPixelBufferRef pb = CMSampleBufferGetImageBuffer(sampleBuffer);
    if (pb == NULL) {
        // Status-only sample (idle screen, stream state change) — no image.
        return;
    }

    int width = (int)CVPixelBufferGetWidth(pb);
    int height = (int)CVPixelBufferGetHeight(pb);

    CMTime pts = CMSampleBufferGetPresentationTimeStamp(sampleBuffer);
    int64_t ptsNs = 0;
    if (CMTIME_IS_NUMERIC(pts)) {
        ptsNs = (int64_t)(CMTimeGetSeconds(pts) * 1000000000.0);
    }

    if (!skGoStreamFrame(self.goHandle, pb, width, height, ptsNs)) {
        // Continue flag dropped. Stop off the delivery queue so an in-flight
        // frame never blocks its own teardown.
        SCStream *toStop = self.stream;
        dispatch_async(dispatch_get_global_queue(QOS_CLASS_USER_INITIATED, 0), ^{
            [toStop stopCaptureWithCompletionHandler:^(NSError * _Nullable error) {
                (void)error;
            }];
        });
    }
}

- (void)stream:(SCStream *)stream didStopWithError:(NSError *)error {
    skGoStreamStopped(self.goHandle, skClassifyError(error), [[error localizedDescription] UTF8String]);
}

@end

// skStartCapture resolves the target display, builds the filter and stream
// configuration, and kicks off asynchronous capture. Returns SK_ERR_NONE once
// start has been dispatched; completion is reported through the Go callbacks.
// On success *retainedOutput holds a CFBridgingRetain'd SkylightStreamOutput;
// release it with skReleaseOutput after the stream is stopped.
static int skStartCapture(uintptr_t handle, uint32_t displayID, int width, int height,
                          int fps, uint32_t pixelFormat, int showCursor, int hdr,
                          void **retainedOutput) {
    if (@available(macOS 12.3, *)) {
        __block SCDisplay *target = nil;
        __block int errClass = SK_ERR_NONE;
        dispatch_semaphore_t sem = dispatch_semaphore_create(0);

        [SCShareableContent getShareableContentExcludingDesktopWindows:NO
                                                 onScreenWindowsOnly:YES
                                                 completionHandler:^(SCShareableContent * _Nullable content, NSError * _Nullable err) {
            if (err != nil || content == nil) {
                errClass = (err != nil && err.code == SK_SCSTREAM_USER_DECLINED) ? SK_ERR_PERMISSION : SK_ERR_CONTENT;
                dispatch_semaphore_signal(sem);
                return;
            }
            for (SCDisplay *d in content.displays) {
                if (d.displayID == (CGDirectDisplayID)displayID) {
                    target = d;
                    break;
                }
            }
            dispatch_semaphore_signal(sem);
        }];

        dispatch_semaphore_wait(sem, DISPATCH_TIME_FOREVER);
        if (errClass != SK_ERR_NONE) return errClass;
        if (target == nil) return SK_ERR_DISPLAY;

        // SCDisplay dimensions are in points; scale to native pixels when the
        // caller did not pin an output size.
        CGFloat scale = 1.0;
        for (NSScreen *screen in [NSScreen screens]) {
            NSNumber *num = screen.deviceDescription[@"NSScreenNumber"];
            if (num && [num unsignedIntValue] == target.displayID) {
                scale = [screen backingScaleFactor];
                break;
            }
        }

        SCContentFilter *filter = [[SCContentFilter alloc] initWithDisplay:target excludingWindows:@[]];
        SCStreamConfiguration *config = [[SCStreamConfiguration alloc] init];
        config.width = width > 0 ? (size_t)width : (size_t)(target.width * scale);
        config.height = height > 0 ? (size_t)height : (size_t)(target.height * scale);
        config.minimumFrameInterval = CMTimeMake(1, fps > 0 ? fps : 60);
        config.pixelFormat = (OSType)pixelFormat;
        config.showsCursor = showCursor ? YES : NO;
        config.queueDepth = 8;
        if (hdr) {
            config.colorSpaceName = kCGColorSpaceITUR_2100_PQ;
        }

        SkylightStreamOutput *output = [[SkylightStreamOutput alloc] init];
        output.goHandle = handle;

        SCStream *stream = [[SCStream alloc] initWithFilter:filter configuration:config delegate:output];
        dispatch_queue_t queue = dispatch_queue_create("skylight.capture.delivery", DISPATCH_QUEUE_SERIAL);

        NSError *addErr = nil;
        if (![stream addStreamOutput:output type:SCStreamOutputTypeScreen sampleHandlerQueue:queue error:&addErr]) {
            return SK_ERR_STREAM;
        }
        output.stream = stream;

        [stream startCaptureWithCompletionHandler:^(NSError * _Nullable error) {
            if (error != nil) {
                skGoStreamStopped(handle, skClassifyError(error), [[error localizedDescription] UTF8String]);
            } else {
                skGoStreamStarted(handle);
            }
        }];

        *retainedOutput = (void *)CFBridgingRetain(output);
        return SK_ERR_NONE;
    }
    return SK_ERR_CONTENT;
}

// skStopCapture requests stream termination and waits a bounded interval for
// the completion handler. Teardown never hangs on an unresponsive stream.
static void skStopCapture(void *retainedOutput) {
    if (retainedOutput == NULL) return;
    if (@available(macOS 12.3, *)) {
        SkylightStreamOutput *output = (__bridge SkylightStreamOutput *)retainedOutput;
        SCStream *stream = output.stream;
        if (stream == nil) return;

        dispatch_semaphore_t sem = dispatch_semaphore_create(0);
        [stream stopCaptureWithCompletionHandler:^(NSError * _Nullable error) {
            (void)error;
            dispatch_semaphore_signal(sem);
        }];
        dispatch_semaphore_wait(sem, dispatch_time(DISPATCH_TIME_NOW, 2 * NSEC_PER_SEC));
    }
}

static void skReleaseOutput(void *retainedOutput) {
    if (retainedOutput != NULL) {
        CFBridgingRelease(retainedOutput);
    }
}

// skGrabFrame captures one frame through SCScreenshotManager with a transient
// filter/config. On success *bufOut carries a +1 retained CVPixelBufferRef;
// the caller owns the release.
static int skGrabFrame(uint32_t displayID, int width, int height, uint32_t pixelFormat,
                       CVPixelBufferRef *bufOut, int *wOut, int *hOut) {
    *bufOut = NULL;
    if (@available(macOS 14.0, *)) {
        __block SCDisplay *target = nil;
        __block int errClass = SK_ERR_NONE;
        dispatch_semaphore_t contentSem = dispatch_semaphore_create(0);

        [SCShareableContent getShareableContentExcludingDesktopWindows:NO
                                                 onScreenWindowsOnly:YES
                                                 completionHandler:^(SCShareableContent * _Nullable content, NSError * _Nullable err) {
            if (err != nil || content == nil) {
                errClass = (err != nil && err.code == SK_SCSTREAM_USER_DECLINED) ? SK_ERR_PERMISSION : SK_ERR_CONTENT;
                dispatch_semaphore_signal(contentSem);
                return;
            }
            for (SCDisplay *d in content.displays) {
                if (d.displayID == (CGDirectDisplayID)displayID) {
                    target = d;
                    break;
                }
            }
            dispatch_semaphore_signal(contentSem);
        }];

        dispatch_semaphore_wait(contentSem, DISPATCH_TIME_FOREVER);
        if (errClass != SK_ERR_NONE) return errClass;
        if (target == nil) return SK_ERR_DISPLAY;

        SCContentFilter *filter = [[SCContentFilter alloc] initWithDisplay:target excludingWindows:@[]];
        SCStreamConfiguration *config = [[SCStreamConfiguration alloc] init];
        if (width > 0) config.width = (size_t)width;
        if (height > 0) config.height = (size_t)height;
        config.pixelFormat = (OSType)pixelFormat;
        config.showsCursor = YES;

        __block CVPixelBufferRef captured = NULL;
        dispatch_semaphore_t frameSem = dispatch_semaphore_create(0);

        [SCScreenshotManager captureSampleBufferWithFilter:filter
                                             configuration:config
                                         completionHandler:^(CMSampleBufferRef _Nullable sampleBuffer, NSError * _Nullable error) {
            if (error != nil || sampleBuffer == NULL) {
                errClass = skClassifyError(error);
            } else {
                CVPixelBufferRef pb = CMSampleBufferGetImageBuffer(sampleBuffer);
                if (pb != NULL) {
                    captured = CVPixelBufferRetain(pb);
                } else {
                    errClass = SK_ERR_FRAME;
                }
            }
            dispatch_semaphore_signal(frameSem);
        }];

        if (dispatch_semaphore_wait(frameSem, dispatch_time(DISPATCH_TIME_NOW, 5 * NSEC_PER_SEC)) != 0) {
            return SK_ERR_FRAME;
        }
        if (errClass != SK_ERR_NONE || captured == NULL) {
            return errClass != SK_ERR_NONE ? errClass : SK_ERR_FRAME;
        }

        *bufOut = captured;
        *wOut = (int)CVPixelBufferGetWidth(captured);
        *hOut = (int)CVPixelBufferGetHeight(captured);
        return SK_ERR_NONE;
    }
    return SK_ERR_FRAME;
}

typedef struct {
    uint32_t id;
    int width;
    int height;
    int primary;
    char name[128];
} SkDisplayInfo;

// skListDisplays enumerates via NSScreen rather than SCShareableContent so a
// pure name lookup never triggers the Screen Recording permission dialog.
static int skListDisplays(SkDisplayInfo **out, int *count) {
    NSArray<NSScreen *> *screens = [NSScreen screens];
    *count = (int)screens.count;
    if (*count == 0) {
        *out = NULL;
        return SK_ERR_DISPLAY;
    }

    SkDisplayInfo *infos = calloc((size_t)*count, sizeof(SkDisplayInfo));
    if (infos == NULL) {
        *count = 0;
        return SK_ERR_CONTENT;
    }

    int i = 0;
    for (NSScreen *screen in screens) {
        NSNumber *num = screen.deviceDescription[@"NSScreenNumber"];
        CGDirectDisplayID did = num ? [num unsignedIntValue] : 0;
        CGFloat scale = [screen backingScaleFactor];
        NSRect frame = [screen frame];

        infos[i].id = (uint32_t)did;
        infos[i].width = (int)(frame.size.width * scale);
        infos[i].height = (int)(frame.size.height * scale);
        infos[i].primary = CGDisplayIsMain(did) ? 1 : 0;

        NSString *name = nil;
        if (@available(macOS 10.15, *)) {
            name = screen.localizedName;
        }
        if (name == nil) {
            name = [NSString stringWithFormat:@"Display %u", (unsigned)did];
        }
        strncpy(infos[i].name, [name UTF8String], sizeof(infos[i].name) - 1);
        i++;
    }

    *out = infos;
    return SK_ERR_NONE;
}

static int skHDRSupported(uint32_t displayID) {
    for (NSScreen *screen in [NSScreen screens]) {
        NSNumber *num = screen.deviceDescription[@"NSScreenNumber"];
        if (num && [num unsignedIntValue] == displayID) {
            return screen.maximumPotentialExtendedDynamicRangeColorComponentValue > 1.0 ? 1 : 0;
        }
    }
    return 0;
}

static void skFreeDisplays(SkDisplayInfo *infos) {
    if (infos != NULL) free(infos);
}
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"sync"
	"unsafe"
)

// sckitBackend drives a ScreenCaptureKit session. One backend serves one
// Stream; runs are serialized by the Stream's state machine.
type sckitBackend struct {
	mu        sync.Mutex
	handle    cgo.Handle
	output    unsafe.Pointer
	sink      frameSink
	active    bool
	hdrActive bool
}

func newPlatformBackend() (streamBackend, error) {
	return &sckitBackend{}, nil
}

func (b *sckitBackend) Start(cfg streamConfig, sink frameSink) error {
	b.mu.Lock()
	if b.active {
		b.mu.Unlock()
		return ErrAlreadyCapturing
	}
	b.active = true
	b.sink = sink
	b.hdrActive = cfg.captureHDR && skHDRSupportedGo(cfg.displayID)
	b.handle = cgo.NewHandle(b)
	handle := b.handle
	hdr := b.hdrActive
	b.mu.Unlock()

	var output unsafe.Pointer
	rc := C.skStartCapture(
		C.uintptr_t(handle),
		C.uint32_t(cfg.displayID),
		C.int(cfg.width),
		C.int(cfg.height),
		C.int(cfg.frameRate),
		C.uint32_t(cfg.pixelFormat),
		cBool(cfg.showCursor),
		cBool(hdr),
		&output,
	)
	if rc != C.SK_ERR_NONE {
		b.mu.Lock()
		b.active = false
		b.sink = nil
		b.handle = 0
		b.mu.Unlock()
		handle.Delete()
		return translateCaptureError(int(rc), "")
	}

	b.adoptOutput(output)
	return nil
}

// adoptOutput stores the retained stream output for the current run. When the
// run already ended (an async stop event can land before start returns) the
// late teardown released nothing, so the output is released here instead.
// Reports whether the output was adopted.
func (b *sckitBackend) adoptOutput(output unsafe.Pointer) bool {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		if output != nil {
			C.skReleaseOutput(output)
		}
		return false
	}
	b.output = output
	b.mu.Unlock()
	return true
}

func (b *sckitBackend) Stop() {
	b.mu.Lock()
	output := b.output
	active := b.active
	b.mu.Unlock()

	if !active {
		return
	}
	if output != nil {
		C.skStopCapture(output)
	}
	b.notifyStopped(nil)
}

func (b *sckitBackend) GrabFrame(cfg streamConfig) (*Sample, error) {
	var buf C.CVPixelBufferRef
	var w, h C.int
	rc := C.skGrabFrame(
		C.uint32_t(cfg.displayID),
		C.int(cfg.width),
		C.int(cfg.height),
		C.uint32_t(cfg.pixelFormat),
		&buf, &w, &h,
	)
	if rc != C.SK_ERR_NONE {
		return nil, translateCaptureError(int(rc), "")
	}

	// The C side handed over a +1 reference; the sample's consumer releases it.
	pb := NewPixelBuffer(uintptr(unsafe.Pointer(buf)), int(w), int(h), cfg.pixelFormat,
		retainPixelBuffer, releasePixelBuffer)
	return &Sample{Buffer: pb, Width: int(w), Height: int(h)}, nil
}

func (b *sckitBackend) HDRSupported(displayID uint32) bool {
	return skHDRSupportedGo(displayID)
}

func (b *sckitBackend) HDRActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active && b.hdrActive
}

// deliverFrame runs on the SCStream delivery queue. Returns the continue flag
// handed back to the C layer.
func (b *sckitBackend) deliverFrame(sample *Sample) bool {
	b.mu.Lock()
	sink := b.sink
	active := b.active
	b.mu.Unlock()

	if !active || sink == nil {
		return false
	}
	if sink.streamFrame(sample) {
		return true
	}
	// Continue flag dropped: the C layer stops the stream; finish local
	// teardown off the delivery queue.
	go b.notifyStopped(nil)
	return false
}

func (b *sckitBackend) started() {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink != nil {
		sink.streamStarted()
	}
}

func (b *sckitBackend) stopped(errClass int, msg string) {
	var err error
	if errClass != 0 {
		err = translateCaptureError(errClass, msg)
	}
	b.notifyStopped(err)
}

// notifyStopped releases per-run native state and reports termination to the
// sink exactly once per run.
func (b *sckitBackend) notifyStopped(err error) {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	b.active = false
	b.hdrActive = false
	sink := b.sink
	b.sink = nil
	output := b.output
	b.output = nil
	handle := b.handle
	b.handle = 0
	b.mu.Unlock()

	if output != nil {
		C.skReleaseOutput(output)
	}
	if handle != 0 {
		handle.Delete()
	}
	if sink != nil {
		sink.streamStopped(err)
	}
}

func skHDRSupportedGo(displayID uint32) bool {
	return C.skHDRSupported(C.uint32_t(displayID)) != 0
}

func platformDisplayNames() ([]DisplayInfo, error) {
	var infos *C.SkDisplayInfo
	var count C.int
	rc := C.skListDisplays(&infos, &count)
	if rc != C.SK_ERR_NONE {
		return nil, translateCaptureError(int(rc), "")
	}
	defer C.skFreeDisplays(infos)

	out := make([]DisplayInfo, 0, int(count))
	slice := unsafe.Slice(infos, int(count))
	for _, info := range slice {
		out = append(out, DisplayInfo{
			ID:        uint32(info.id),
			Name:      C.GoString(&info.name[0]),
			Width:     int(info.width),
			Height:    int(info.height),
			IsPrimary: info.primary != 0,
		})
	}
	return out, nil
}

// translateCaptureError converts C error classes to Go errors.
func translateCaptureError(class int, msg string) error {
	var base error
	switch class {
	case 1:
		base = fmt.Errorf("failed to query shareable content")
	case 2:
		base = ErrDisplayNotFound
	case 3:
		base = ErrPermissionDenied
	case 4:
		base = ErrDeviceUnavailable
	case 5:
		base = fmt.Errorf("single-frame capture failed")
	default:
		base = fmt.Errorf("unknown capture error: %d", class)
	}
	if msg != "" {
		return fmt.Errorf("%w: %s", base, msg)
	}
	return base
}

func cBool(v bool) C.int {
	if v {
		return 1
	}
	return 0
}
