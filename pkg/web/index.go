package web

// indexHTML is the built-in status/control page. Anything fancier is
// expected to live in an external dashboard talking to the JSON API.
const indexHTML = `<!DOCTYPE html>
<html>
<head><title>camwatch</title></head>
<body>
<h1>camwatch</h1>
<img src="/video_feed" alt="live feed" width="640">
<p>
<button onclick="fetch('/start',{method:'POST'}).then(()=>location.reload())">Start</button>
<button onclick="fetch('/stop',{method:'POST'}).then(()=>location.reload())">Stop</button>
<button onclick="fetch('/capture',{method:'POST'}).then(r=>r.json()).then(j=>alert(j.id||j.error))">Capture</button>
</p>
<pre id="stats"></pre>
<script>
setInterval(()=>fetch('/stats').then(r=>r.json())
  .then(j=>document.getElementById('stats').textContent=JSON.stringify(j,null,2)),1000);
</script>
</body>
</html>
`
