// Package overlay renders the browser-source page streamers embed in OBS.
// The page subscribes to the tenant's event stream over SSE and updates
// counters and alert toasts in place.
package overlay

import (
	"html/template"
	"io"
)

// CounterView is one counter row on the page.
type CounterView struct {
	Name  string
	Value int64
}

// PageData feeds the overlay template.
type PageData struct {
	TenantID    string
	DisplayName string
	EventsPath  string
	Counters    []CounterView
}

var pageTmpl = template.Must(template.New("overlay").Parse(pageHTML))

// Render writes the overlay page for one tenant.
func Render(w io.Writer, data PageData) error {
	return pageTmpl.Execute(w, data)
}

const pageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.DisplayName}} overlay</title>
<style>
  body { margin: 0; background: transparent; font-family: system-ui, sans-serif; color: #fff; }
  .counters { position: absolute; top: 8px; left: 8px; }
  .counter { background: rgba(0,0,0,.6); border-radius: 6px; padding: 4px 10px; margin-bottom: 4px; }
  .counter .value { font-weight: 700; margin-left: 6px; }
  #alerts { position: absolute; bottom: 40px; width: 100%; text-align: center; }
  .alert { display: inline-block; background: rgba(0,0,0,.75); border-radius: 8px;
           padding: 10px 24px; font-size: 22px; animation: fade 6s forwards; }
  @keyframes fade { 0% {opacity:0} 10% {opacity:1} 85% {opacity:1} 100% {opacity:0} }
</style>
</head>
<body data-tenant="{{.TenantID}}">
<div class="counters">
{{range .Counters}}  <div class="counter" data-name="{{.Name}}">{{.Name}}<span class="value">{{.Value}}</span></div>
{{end}}</div>
<div id="alerts"></div>
<script>
(function () {
  var src = new EventSource({{.EventsPath}});
  function toast(text) {
    var el = document.createElement("div");
    el.className = "alert";
    el.textContent = text;
    document.getElementById("alerts").appendChild(el);
    setTimeout(function () { el.remove(); }, 6000);
  }
  src.onmessage = function (msg) {
    var ev;
    try { ev = JSON.parse(msg.data); } catch (e) { return; }
    switch (ev.type) {
    case "counterUpdate":
      var row = document.querySelector('.counter[data-name="' + ev.data.name + '"]');
      if (row) { row.querySelector(".value").textContent = ev.data.value; }
      break;
    case "newFollower":
      toast(ev.data.user_name + " followed!");
      break;
    case "newSubscription":
      toast(ev.data.user_name + " subscribed!");
      break;
    case "giftSubscription":
      toast(ev.data.user_name + " gifted " + ev.data.total + " subs!");
      break;
    case "cheer":
      toast(ev.data.user_name + " cheered " + ev.data.bits + " bits!");
      break;
    case "channelPointRedemption":
      toast(ev.data.user_name + " redeemed " + ev.data.reward);
      break;
    }
  };
})();
</script>
</body>
</html>
`
