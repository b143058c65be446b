package script

// shimSource 在 VM 中安装 chrome.* 接口；原生入口为 __native(envelope) 与 __owner
const shimSource = `(function (global) {
  'use strict';
  var callbacks = {};
  var seq = 0;

  function call(name, args) {
    var env = JSON.parse(__native(JSON.stringify({ name: name, args: args || [] })));
    if (env.error) {
      var e = new Error(env.error.message);
      e.code = env.error.code;
      throw e;
    }
    return env.result;
  }

  function event(name) {
    var entries = [];
    return {
      addListener: function (fn, filter, extraInfo) {
        if (typeof fn !== 'function') {
          throw new TypeError(name + ': listener must be a function');
        }
        var id = __owner + ':' + (++seq);
        callbacks[id] = fn;
        try {
          call('listenerStorage.add', [name, { filter: filter || {}, extraInfo: extraInfo || [] }, id]);
        } catch (e) {
          delete callbacks[id];
          throw e;
        }
        entries.push({ fn: fn, id: id });
      },
      removeListener: function (fn) {
        for (var i = entries.length - 1; i >= 0; i--) {
          if (entries[i].fn === fn) {
            call('listenerStorage.remove', [entries[i].id]);
            delete callbacks[entries[i].id];
            entries.splice(i, 1);
          }
        }
      },
      hasListener: function (fn) {
        for (var i = 0; i < entries.length; i++) {
          if (entries[i].fn === fn) return true;
        }
        return false;
      },
      hasListeners: function () { return entries.length > 0; }
    };
  }

  function ctor(type) {
    return function (props) {
      if (props) {
        for (var k in props) this[k] = props[k];
      }
      this.instanceType = type;
    };
  }

  function plain(v) { return JSON.parse(JSON.stringify(v)); }

  var dwr = 'declarativeWebRequest.onRequest';

  global.__invoke = function (id, payload) {
    var fn = callbacks[id];
    if (!fn) throw new Error('callback not found: ' + id);
    var res = fn(JSON.parse(payload));
    return res === undefined ? 'null' : JSON.stringify(res);
  };

  global.chrome = {
    webRequest: {
      onBeforeRequest: event('webRequest.onBeforeRequest'),
      onBeforeSendHeaders: event('webRequest.onBeforeSendHeaders'),
      onHeadersReceived: event('webRequest.onHeadersReceived'),
      handlerBehaviorChanged: function (done) {
        call('webRequest.handlerBehaviorChanged', []);
        if (typeof done === 'function') done();
      }
    },
    webNavigation: {
      onCommitted: event('webNavigation.onCommitted')
    },
    declarativeWebRequest: {
      RequestMatcher: ctor('declarativeWebRequest.RequestMatcher'),
      CancelRequest: ctor('declarativeWebRequest.CancelRequest'),
      RedirectRequest: ctor('declarativeWebRequest.RedirectRequest'),
      RedirectToEmptyDocument: ctor('declarativeWebRequest.RedirectToEmptyDocument'),
      RedirectToTransparentImage: ctor('declarativeWebRequest.RedirectToTransparentImage'),
      SetRequestHeader: ctor('declarativeWebRequest.SetRequestHeader'),
      RemoveRequestHeader: ctor('declarativeWebRequest.RemoveRequestHeader'),
      AddResponseHeader: ctor('declarativeWebRequest.AddResponseHeader'),
      RemoveResponseHeader: ctor('declarativeWebRequest.RemoveResponseHeader'),
      onRequest: {
        addRules: function (rules, done) {
          var ids = call('declarativeWebRequest.addRules', [dwr, plain(rules)]);
          if (typeof done === 'function') done(ids);
          return ids;
        },
        removeRules: function (ids, done) {
          if (typeof ids === 'function') {
            done = ids;
            ids = undefined;
          }
          var n = ids === undefined || ids === null
            ? call('declarativeWebRequest.removeRules', [dwr])
            : call('declarativeWebRequest.removeRules', [dwr, ids]);
          if (typeof done === 'function') done();
          return n;
        }
      }
    }
  };
})(this);
`
