package sshexec

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/davidthor/instctl/pkg/remote"
)

// script is one catalog entry. Arguments reach the body through the $p
// hashtable and are never spliced into the script text.
type script struct {
	body     string
	required []string
}

const preamble = `$ErrorActionPreference = 'Stop'
$ProgressPreference = 'SilentlyContinue'
`

var catalog = map[remote.Operation]script{
	remote.OpProbe: {
		body: `Write-Output 'ok'`,
	},
	remote.OpEnableCredSSP: {
		body: `Enable-WSManCredSSP -Role Server -Force | Out-Null`,
	},
	remote.OpListExecutables: {
		required: []string{"root"},
		body: `if (-not (Test-Path -LiteralPath $p.root)) { throw "cannot find path $($p.root)" }
$files = @(Get-ChildItem -LiteralPath $p.root -Filter '*.exe' -File -Recurse -ErrorAction SilentlyContinue | ForEach-Object {
  [pscustomobject]@{
    path            = $_.FullName
    description     = $_.VersionInfo.FileDescription
    product_name    = $_.VersionInfo.ProductName
    product_version = $_.VersionInfo.ProductVersion
  }
})
ConvertTo-Json -InputObject $files -Compress`,
	},
	remote.OpGetCoreCount: {
		body: `(Get-CimInstance -ClassName Win32_Processor | Measure-Object -Property NumberOfCores -Sum).Sum`,
	},
	remote.OpTestWindowsFeature: {
		required: []string{"name"},
		body:     `[bool](Get-WindowsFeature -Name $p.name).Installed`,
	},
	remote.OpInstallWindowsFeature: {
		required: []string{"name"},
		body: `$params = @{ Name = $p.name }
if ($p.source) { $params.Source = $p.source }
$r = Install-WindowsFeature @params
if (-not $r.Success) { throw "install of $($p.name) failed: $($r.ExitCode)" }
Write-Output 'Success'`,
	},
	remote.OpReadSetupLog: {
		required: []string{"path"},
		body:     `Get-Content -LiteralPath $p.path -Raw`,
	},
	remote.OpRemoveFile: {
		required: []string{"path"},
		body:     `Remove-Item -LiteralPath $p.path -Force -ErrorAction SilentlyContinue`,
	},
}

const runInstallerScript = `$proc = Start-Process -FilePath $p.exe -ArgumentList $argv -Wait -PassThru -NoNewWindow
exit $proc.ExitCode`

const rebootPendingScript = `$keys = @(
  'HKLM:\SOFTWARE\Microsoft\Windows\CurrentVersion\Component Based Servicing\RebootPending',
  'HKLM:\SOFTWARE\Microsoft\Windows\CurrentVersion\WindowsUpdate\Auto Update\RebootRequired'
)
$pending = $false
foreach ($k in $keys) { if (Test-Path -LiteralPath $k) { $pending = $true } }
$sm = Get-ItemProperty -LiteralPath 'HKLM:\SYSTEM\CurrentControlSet\Control\Session Manager' -Name PendingFileRenameOperations -ErrorAction SilentlyContinue
if ($sm -and $sm.PendingFileRenameOperations) { $pending = $true }
[bool]$pending`

const restartScript = `Restart-Computer -Force`

const grantVolumeScript = `$cfg = Join-Path $env:TEMP 'instctl-secpol.inf'
$db = Join-Path $env:TEMP 'instctl-secpol.sdb'
secedit /export /cfg $cfg /areas USER_RIGHTS | Out-Null
$sids = @(Get-Service -Name 'MSSQL*' | ForEach-Object {
  ([System.Security.Principal.NTAccount]"NT SERVICE\$($_.Name)").Translate([System.Security.Principal.SecurityIdentifier]).Value
})
$lines = Get-Content -LiteralPath $cfg
$found = $false
$lines = $lines | ForEach-Object {
  if ($_ -like 'SeManageVolumePrivilege*') {
    $found = $true
    $current = ($_ -split '=', 2)[1].Trim()
    'SeManageVolumePrivilege = ' + (@($current) + ($sids | ForEach-Object { "*$_" }) -join ',').Trim(',')
  } else { $_ }
}
if (-not $found) { $lines += 'SeManageVolumePrivilege = ' + (($sids | ForEach-Object { "*$_" }) -join ',') }
Set-Content -LiteralPath $cfg -Value $lines -Encoding Unicode
secedit /configure /db $db /cfg $cfg /areas USER_RIGHTS | Out-Null
Remove-Item -LiteralPath $cfg, $db -Force -ErrorAction SilentlyContinue`

const servicePortScript = `$id = (Get-ItemProperty -LiteralPath 'HKLM:\SOFTWARE\Microsoft\Microsoft SQL Server\Instance Names\SQL').($p.instance)
if (-not $id) { throw "instance $($p.instance) is not installed" }
$key = "HKLM:\SOFTWARE\Microsoft\Microsoft SQL Server\$id\MSSQLServer\SuperSocketNetLib\Tcp\IPAll"
Set-ItemProperty -LiteralPath $key -Name TcpDynamicPorts -Value ''
Set-ItemProperty -LiteralPath $key -Name TcpPort -Value $p.port`

// quoter doubles every character PowerShell accepts as a single quote.
var quoter = strings.NewReplacer(
	"'", "''",
	"‘", "‘‘",
	"’", "’’",
	"‚", "‚‚",
	"‛", "‛‛",
)

func quote(s string) string {
	return "'" + quoter.Replace(s) + "'"
}

// render produces the full script text for body with args bound to $p.
func render(body string, args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("$p = @{")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s = %s;", quote(k), quote(args[k]))
	}
	b.WriteString(" }\n")
	b.WriteString(body)
	b.WriteString("\n")
	return b.String()
}

// renderInstaller binds the executable and its argument vector.
func renderInstaller(exe string, argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = quote(a)
	}
	body := "$argv = @(" + strings.Join(quoted, ", ") + ")\n" + runInstallerScript
	return render(body, map[string]string{"exe": exe})
}

// commandFor renders op with args, checking the required arguments.
func commandFor(cmd remote.Command) (string, error) {
	s, ok := catalog[cmd.Op]
	if !ok {
		return "", fmt.Errorf("unsupported operation %q", cmd.Op)
	}
	for _, name := range s.required {
		if cmd.Arg(name) == "" {
			return "", fmt.Errorf("operation %s requires argument %q", cmd.Op, name)
		}
	}
	return render(s.body, cmd.Args), nil
}

// encode wraps a script into a powershell command line using
// -EncodedCommand, which takes base64 of the UTF-16LE text.
func encode(text string) (string, error) {
	buf, err := utf16le.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return "", fmt.Errorf("encoding powershell command: %w", err)
	}
	return "powershell.exe -NoProfile -NonInteractive -ExecutionPolicy Bypass -EncodedCommand " +
		base64.StdEncoding.EncodeToString(buf), nil
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
