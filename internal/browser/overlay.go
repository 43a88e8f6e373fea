package browser

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chromedp/chromedp"
	"github.com/dvloznov/ckexport/internal/harvest"
)

const (
	overlayID = "ckexport-overlay"
	stopFlag  = "__ckexportStop"
)

const showOverlayJS = `(function(){
  var old = document.getElementById("%[1]s");
  if (old) old.remove();
  window["%[2]s"] = false;
  var box = document.createElement("div");
  box.id = "%[1]s";
  box.style.cssText = "position:fixed;top:10px;right:10px;z-index:2147483647;display:flex;gap:8px;align-items:center;font:13px sans-serif";
  var status = document.createElement("span");
  status.className = "%[1]s-status";
  status.style.cssText = "background:#fff;color:#333;padding:6px 10px;border-radius:4px;box-shadow:0 1px 4px rgba(0,0,0,.3)";
  var stop = document.createElement("button");
  stop.textContent = "Stop";
  stop.style.cssText = "background:#d32f2f;color:#fff;border:0;padding:6px 12px;border-radius:4px;cursor:pointer";
  stop.onclick = function(){ window["%[2]s"] = true; stop.disabled = true; stop.textContent = "Stopping..."; };
  box.appendChild(status);
  box.appendChild(stop);
  document.body.appendChild(box);
})()`

const removeOverlayJS = `(function(){
  var box = document.getElementById("%[1]s");
  if (box) box.remove();
  delete window["%[2]s"];
})()`

// overlay is the stop button and progress readout injected into the tab.
type overlay struct {
	s *Session
}

func (s *Session) ShowOverlay(ctx context.Context) (harvest.Overlay, error) {
	if err := s.run(ctx, chromedp.Evaluate(fmt.Sprintf(showOverlayJS, overlayID, stopFlag), nil)); err != nil {
		return nil, fmt.Errorf("show overlay: %w", err)
	}
	return &overlay{s: s}, nil
}

func (o *overlay) SetStatus(ctx context.Context, status string) error {
	expr := fmt.Sprintf(`(function(){ var el = document.querySelector("#%s .%s-status"); if (el) el.textContent = %s; })()`,
		overlayID, overlayID, strconv.Quote(status))
	return o.s.run(ctx, chromedp.Evaluate(expr, nil))
}

func (o *overlay) StopRequested(ctx context.Context) (bool, error) {
	var stop bool
	expr := fmt.Sprintf(`window[%q] === true`, stopFlag)
	if err := o.s.run(ctx, chromedp.Evaluate(expr, &stop)); err != nil {
		return false, err
	}
	return stop, nil
}

func (o *overlay) Remove(ctx context.Context) error {
	return o.s.run(ctx, chromedp.Evaluate(fmt.Sprintf(removeOverlayJS, overlayID, stopFlag), nil))
}
